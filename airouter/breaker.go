package airouter

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 关闭状态（正常工作）
	BreakerClosed BreakerState = iota
	// BreakerOpen 打开状态（熔断中）
	BreakerOpen
	// BreakerHalfOpen 半开状态（试探性恢复）
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" json:"threshold"`

	// Cooldown 熔断冷却时间（Open -> HalfOpen）
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// HalfOpenMaxCalls 半开状态下允许的试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultBreakerConfig 返回默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        3,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// breaker 每 Provider 一个的熔断状态机。
type breaker struct {
	config BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailure   time.Time
	halfOpenCalls int
}

func newBreaker(config BreakerConfig, now func() time.Time, logger *zap.Logger) *breaker {
	if config.Threshold <= 0 {
		config.Threshold = DefaultBreakerConfig().Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultBreakerConfig().HalfOpenMaxCalls
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{config: config, now: now, logger: logger, state: BreakerClosed}
}

// Allow 判断当前是否允许发起调用。冷却期满时迁移到半开。
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.config.Cooldown {
			b.setState(BreakerHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return false
	}
}

// Record 记录一次调用结果并驱动状态机。
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerClosed:
			b.failureCount = 0
		case BreakerHalfOpen:
			b.logger.Info("熔断器恢复正常")
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.halfOpenCalls = 0
		}
		return
	}

	b.failureCount++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold))
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.logger.Warn("熔断器半开试探失败，重新打开")
		b.setState(BreakerOpen)
		b.halfOpenCalls = 0
	}
}

// State 返回当前状态。
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回状态、连续失败次数与最近一次失败时间。
func (b *breaker) Snapshot() (BreakerState, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failureCount, b.lastFailure
}

func (b *breaker) setState(newState BreakerState) {
	b.state = newState
}

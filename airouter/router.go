package airouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/types"
)

// Config 路由器配置
type Config struct {
	// Breaker 每 Provider 的熔断配置
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// CallTimeout 单次非流式调用的超时
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// RatePerSecond 每 Provider 的请求速率上限，0 表示不限
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`

	// RateBurst 速率突发额度
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认路由配置
func DefaultConfig() Config {
	return Config{
		Breaker:       DefaultBreakerConfig(),
		CallTimeout:   60 * time.Second,
		RatePerSecond: 0,
		RateBurst:     1,
	}
}

// ProviderStatus 是单个 Provider 的运行时状态。
type ProviderStatus struct {
	Name                string       `json:"name"`
	Breaker             BreakerState `json:"-"`
	BreakerState        string       `json:"breaker_state"`
	Available           bool         `json:"available"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

type routedProvider struct {
	provider Provider
	breaker  *breaker
	limiter  *rate.Limiter

	errMu   sync.Mutex
	lastErr string
}

func (rp *routedProvider) recordError(err error) {
	rp.errMu.Lock()
	rp.lastErr = err.Error()
	rp.errMu.Unlock()
}

func (rp *routedProvider) lastError() string {
	rp.errMu.Lock()
	defer rp.errMu.Unlock()
	return rp.lastErr
}

// Router 按优先级在多个 Provider 之间路由请求。
type Router struct {
	providers []*routedProvider
	byName    map[string]*routedProvider
	config    Config
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// New 创建路由器。providers 的顺序即失败转移的优先级。
func New(providers []Provider, config Config, collector *metrics.Collector, logger *zap.Logger) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With(zap.String("component", "ai_router"))

	r := &Router{
		config:  config,
		now:     now,
		logger:  logger,
		metrics: collector,
		byName:  make(map[string]*routedProvider, len(providers)),
	}
	for _, p := range providers {
		if _, dup := r.byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		rp := &routedProvider{
			provider: p,
			breaker:  newBreaker(config.Breaker, now, logger.With(zap.String("provider", p.Name()))),
		}
		if config.RatePerSecond > 0 {
			burst := config.RateBurst
			if burst <= 0 {
				burst = 1
			}
			rp.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
		}
		r.providers = append(r.providers, rp)
		r.byName[p.Name()] = rp
	}
	return r, nil
}

// Execute 执行一次补全：从 preferred（为空时从最高优先级）开始，
// 逐个尝试健康的 Provider。单个 Provider 的失败被吸收，全部失败时
// 返回 PROVIDER_UNAVAILABLE。
func (r *Router) Execute(ctx context.Context, req Request, preferred string) (*Response, error) {
	candidates, err := r.candidates(preferred)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, rp := range candidates {
		name := rp.provider.Name()
		if !rp.breaker.Allow() {
			r.logger.Debug("provider circuit open, skipping", zap.String("provider", name))
			continue
		}
		if rp.limiter != nil && !rp.limiter.Allow() {
			r.logger.Debug("provider rate limited, skipping", zap.String("provider", name))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		start := r.now()
		resp, cerr := rp.provider.Execute(callCtx, req)
		cancel()

		if cerr != nil {
			rp.breaker.Record(false)
			rp.recordError(cerr)
			r.metrics.RecordProviderCall(name, "error", r.now().Sub(start))
			r.logger.Warn("provider call failed, trying next",
				zap.String("provider", name), zap.Error(cerr))
			lastErr = cerr
			// 调用方取消不再转移
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		rp.breaker.Record(true)
		r.metrics.RecordProviderCall(name, "ok", r.now().Sub(start))
		return resp, nil
	}

	e := types.NewError(types.ErrProviderUnavailable, "no provider available")
	if lastErr != nil {
		e = e.WithCause(lastErr)
	}
	return nil, e
}

// Stream 执行流式补全。失败转移只发生在流建立之前；流一旦开始，
// 中途失败原样透传给调用方（部分输出无法回收）。调用方取消沿
// context 传播到底层连接。
func (r *Router) Stream(ctx context.Context, req Request, preferred string) (<-chan Chunk, string, error) {
	candidates, err := r.candidates(preferred)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, rp := range candidates {
		name := rp.provider.Name()
		if !rp.breaker.Allow() {
			continue
		}
		if rp.limiter != nil && !rp.limiter.Allow() {
			continue
		}

		start := r.now()
		ch, serr := rp.provider.Stream(ctx, req)
		if serr != nil {
			rp.breaker.Record(false)
			rp.recordError(serr)
			r.metrics.RecordProviderCall(name, "error", r.now().Sub(start))
			r.logger.Warn("provider stream failed to start, trying next",
				zap.String("provider", name), zap.Error(serr))
			lastErr = serr
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}

		// 流结束后再记熔断结果
		out := make(chan Chunk, 16)
		go func() {
			defer close(out)
			success := true
			defer func() {
				rp.breaker.Record(success)
				result := "ok"
				if !success {
					result = "error"
				}
				r.metrics.RecordProviderCall(name, result, r.now().Sub(start))
			}()
			for chunk := range ch {
				if chunk.Err != nil {
					success = false
				}
				// 缓冲区有空位时直接投递，取消后的终止片段也能送达
				select {
				case out <- chunk:
					continue
				default:
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					// 消费者已放弃：停止转发而不是卡在写满的缓冲区上
					return
				}
			}
		}()
		return out, name, nil
	}

	e := types.NewError(types.ErrProviderUnavailable, "no provider available for streaming")
	if lastErr != nil {
		e = e.WithCause(lastErr)
	}
	return nil, "", e
}

// Status 返回所有 Provider 的运行时状态，按优先级排序。
func (r *Router) Status() []ProviderStatus {
	statuses := make([]ProviderStatus, 0, len(r.providers))
	for _, rp := range r.providers {
		state, failures, lastFailure := rp.breaker.Snapshot()
		status := ProviderStatus{
			Name:                rp.provider.Name(),
			Breaker:             state,
			BreakerState:        state.String(),
			Available:           state != BreakerOpen,
			ConsecutiveFailures: failures,
			LastError:           rp.lastError(),
		}
		if !lastFailure.IsZero() {
			lf := lastFailure
			status.LastFailure = &lf
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// candidates 返回按尝试顺序排列的 Provider 列表。
// preferred 非空时它排在最前，其余按配置优先级跟随。
func (r *Router) candidates(preferred string) ([]*routedProvider, error) {
	if preferred == "" {
		return r.providers, nil
	}
	first, ok := r.byName[preferred]
	if !ok {
		return nil, types.NewError(types.ErrInvalidArgument, "unknown provider").
			WithKey("provider", preferred)
	}
	ordered := make([]*routedProvider, 0, len(r.providers))
	ordered = append(ordered, first)
	for _, rp := range r.providers {
		if rp != first {
			ordered = append(ordered, rp)
		}
	}
	return ordered, nil
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/internal/keylock"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

const (
	collectionProfiles = "agent_profiles"

	budgetMessageType = "budget_exceeded"
	auditEntityType   = "agent_activity"
)

// Store is the storage surface the scheduler requires.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Query(ctx context.Context, collection string, filter storage.Filter) ([]storage.KV, error)
	Delete(ctx context.Context, collection, key string) error
}

// Notifier delivers budget notifications. *hub.Hub satisfies it.
type Notifier interface {
	Send(ctx context.Context, msg *types.AgentMessage) (*types.AgentMessage, error)
}

// Auditor records agent activity in the knowledge graph.
type Auditor interface {
	RecordAudit(ctx context.Context, entityName, entityType string, observations []string) error
}

// ActionRunner executes a mapped autonomous action. The returned token count
// is the actual spend charged on top of the upfront estimate.
type ActionRunner interface {
	Run(ctx context.Context, agentID, action string, event types.TriggerEvent) (int64, error)
}

// ActionFunc adapts a function to the ActionRunner interface.
type ActionFunc func(ctx context.Context, agentID, action string, event types.TriggerEvent) (int64, error)

// Run implements ActionRunner.
func (f ActionFunc) Run(ctx context.Context, agentID, action string, event types.TriggerEvent) (int64, error) {
	return f(ctx, agentID, action, event)
}

// TriggerResult 是一次触发的处理结果。
type TriggerResult struct {
	AgentID    string `json:"agent_id"`
	Action     string `json:"action"`
	Executed   bool   `json:"executed"`
	TokensUsed int64  `json:"tokens_used"`
	Remaining  int64  `json:"remaining"`
	Reason     string `json:"reason,omitempty"`
}

// Config 调度器配置
type Config struct {
	// 每日默认预算
	DefaultBudget int64 `yaml:"default_budget" json:"default_budget"`

	// 每次动作的固定基础成本
	BaseCost int64 `yaml:"base_cost" json:"base_cost"`

	// tiktoken 编码名
	Encoding string `yaml:"encoding" json:"encoding"`

	// Estimate 覆盖 token 估算，用于测试。nil 时使用 tiktoken。
	Estimate func(text string) int64 `yaml:"-" json:"-"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认调度器配置
func DefaultConfig() Config {
	return Config{
		DefaultBudget: 100000,
		BaseCost:      50,
		Encoding:      "cl100k_base",
	}
}

// Scheduler 管理 Agent 档案与自主触发。
type Scheduler struct {
	store    Store
	notifier Notifier
	auditor  Auditor
	runner   ActionRunner
	config   Config
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Collector

	// 每 Agent 锁：预算检查与扣减原子化
	locks *keylock.KeyLock

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New 创建调度器。notifier、auditor、runner、collector 都可以为 nil。
func New(store Store, notifier Notifier, auditor Auditor, runner ActionRunner, config Config, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultBudget <= 0 {
		config.DefaultBudget = DefaultConfig().DefaultBudget
	}
	if config.BaseCost < 0 {
		config.BaseCost = 0
	}
	if config.Encoding == "" {
		config.Encoding = DefaultConfig().Encoding
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		auditor:  auditor,
		runner:   runner,
		config:   config,
		now:      now,
		logger:   logger.With(zap.String("component", "scheduler")),
		metrics:  collector,
		locks:    keylock.New(64),
	}
}

// StartAutonomous 打开 Agent 的自主模式。档案不存在时自动创建。
func (s *Scheduler) StartAutonomous(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	return s.updateProfile(ctx, agentID, func(p *types.AgentProfile) error {
		p.AutonomousEnabled = true
		return nil
	})
}

// StopAutonomous 关闭 Agent 的自主模式。
func (s *Scheduler) StopAutonomous(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	return s.updateProfile(ctx, agentID, func(p *types.AgentProfile) error {
		p.AutonomousEnabled = false
		return nil
	})
}

// SetTokenBudget 设置 Agent 的每日 token 预算。
func (s *Scheduler) SetTokenBudget(ctx context.Context, agentID string, budget int64) (*types.AgentProfile, error) {
	if budget <= 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "token budget must be positive").
			WithKey("agent_id", agentID)
	}
	return s.updateProfile(ctx, agentID, func(p *types.AgentProfile) error {
		p.TokenBudget = budget
		return nil
	})
}

// SetTrigger 把事件类型映射到一个自主动作。action 为空时删除映射。
func (s *Scheduler) SetTrigger(ctx context.Context, agentID, eventType, action string) (*types.AgentProfile, error) {
	if eventType == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "event type is required").
			WithKey("agent_id", agentID)
	}
	return s.updateProfile(ctx, agentID, func(p *types.AgentProfile) error {
		if action == "" {
			delete(p.Triggers, eventType)
			return nil
		}
		if p.Triggers == nil {
			p.Triggers = make(map[string]string)
		}
		p.Triggers[eventType] = action
		return nil
	})
}

// GetProfile 返回 Agent 的档案。跨入新 UTC 日时用量已被惰性清零。
func (s *Scheduler) GetProfile(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "agent id is required")
	}
	var out *types.AgentProfile
	err := s.locks.WithLock(agentID, func() error {
		p, err := s.loadProfile(ctx, agentID)
		if err != nil {
			return err
		}
		if s.resetIfNewDay(p) {
			if err := s.putProfile(ctx, p); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Trigger 处理一个事件：查映射动作、预算检查与扣减、执行动作。
// 预算不足时拒绝并通知 Agent，绝不把用量推过上限。
func (s *Scheduler) Trigger(ctx context.Context, agentID string, event types.TriggerEvent) (*TriggerResult, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "agent id is required")
	}
	if event.Type == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "event type is required").
			WithKey("agent_id", agentID)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	var (
		result   *TriggerResult
		profile  *types.AgentProfile
		action   string
		cost     int64
		disabled bool
	)
	err := s.locks.WithLock(agentID, func() error {
		p, err := s.loadProfile(ctx, agentID)
		if err != nil {
			return err
		}
		s.resetIfNewDay(p)

		if !p.AutonomousEnabled {
			s.metrics.RecordAgentAction("disabled")
			disabled = true
			result = &TriggerResult{AgentID: agentID, Remaining: p.Remaining(), Reason: "autonomous mode disabled"}
			return s.putProfile(ctx, p)
		}
		mapped, ok := p.Triggers[event.Type]
		if !ok {
			s.metrics.RecordAgentAction("skipped")
			result = &TriggerResult{AgentID: agentID, Remaining: p.Remaining(), Reason: "no trigger mapping"}
			return s.putProfile(ctx, p)
		}

		cost = s.config.BaseCost + s.estimate(event.Payload)
		if p.TokensUsed+cost > p.TokenBudget {
			s.metrics.RecordAgentAction("budget_exceeded")
			if err := s.putProfile(ctx, p); err != nil {
				return err
			}
			s.notifyBudgetExceeded(ctx, p, cost)
			return types.NewError(types.ErrBudgetExceeded, "daily token budget exhausted").
				WithKey("agent_id", agentID).
				WithKey("remaining", fmt.Sprintf("%d", p.Remaining())).
				WithKey("cost", fmt.Sprintf("%d", cost))
		}

		// 先扣减后执行：并发触发看到的是已扣减的用量
		p.TokensUsed += cost
		if err := s.putProfile(ctx, p); err != nil {
			return err
		}
		profile = p
		action = mapped
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		// 自主模式关闭时事件仍然留痕，只是不执行动作
		if disabled {
			s.recordSkippedEvent(ctx, agentID, event, result.Reason)
		}
		return result, nil
	}

	s.metrics.RecordTokensSpent(agentID, cost)

	actual := int64(0)
	if s.runner != nil {
		spent, rerr := s.runner.Run(ctx, agentID, action, event)
		if rerr != nil {
			s.metrics.RecordAgentAction("failed")
			s.logger.Warn("autonomous action failed",
				zap.String("agent", agentID),
				zap.String("action", action),
				zap.Error(rerr))
			return nil, rerr
		}
		actual = spent
	}
	if actual > 0 {
		// 实际消耗在估算之上补记
		_ = s.locks.WithLock(agentID, func() error {
			p, err := s.loadProfile(ctx, agentID)
			if err != nil {
				return err
			}
			s.resetIfNewDay(p)
			p.TokensUsed += actual
			if p.TokensUsed > p.TokenBudget {
				p.TokensUsed = p.TokenBudget
			}
			profile = p
			return s.putProfile(ctx, p)
		})
		s.metrics.RecordTokensSpent(agentID, actual)
	}

	s.metrics.RecordAgentAction("executed")
	s.recordActivity(ctx, agentID, action, event, cost+actual)

	s.logger.Info("autonomous action executed",
		zap.String("agent", agentID),
		zap.String("action", action),
		zap.Int64("cost", cost+actual),
		zap.Int64("remaining", profile.Remaining()))

	return &TriggerResult{
		AgentID:    agentID,
		Action:     action,
		Executed:   true,
		TokensUsed: cost + actual,
		Remaining:  profile.Remaining(),
	}, nil
}

// ===== 内部实现 =====

// resetIfNewDay 在跨入新 UTC 日时清零用量，返回档案是否被修改。
func (s *Scheduler) resetIfNewDay(p *types.AgentProfile) bool {
	today := s.now().UTC().Truncate(24 * time.Hour)
	if p.BudgetDay.Equal(today) {
		return false
	}
	p.BudgetDay = today
	p.TokensUsed = 0
	return true
}

func (s *Scheduler) estimate(text string) int64 {
	if text == "" {
		return 0
	}
	if s.config.Estimate != nil {
		return s.config.Estimate(text)
	}
	s.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(s.config.Encoding)
		if err != nil {
			s.logger.Warn("tiktoken encoding unavailable, falling back to byte estimate",
				zap.String("encoding", s.config.Encoding), zap.Error(err))
			return
		}
		s.enc = enc
	})
	if s.enc != nil {
		return int64(len(s.enc.Encode(text, nil, nil)))
	}
	// 粗略经验值：平均 4 字节一个 token
	return int64(len(text)+3) / 4
}

func (s *Scheduler) notifyBudgetExceeded(ctx context.Context, p *types.AgentProfile, cost int64) {
	if s.notifier == nil {
		return
	}
	payload, _ := json.Marshal(map[string]int64{
		"budget":    p.TokenBudget,
		"used":      p.TokensUsed,
		"requested": cost,
	})
	_, err := s.notifier.Send(ctx, &types.AgentMessage{
		From:     "scheduler",
		To:       p.AgentID,
		Type:     budgetMessageType,
		Priority: types.PriorityHigh,
		Payload:  string(payload),
	})
	if err != nil {
		s.logger.Warn("failed to send budget notification",
			zap.String("agent", p.AgentID), zap.Error(err))
	}
}

// recordSkippedEvent 为未执行动作的事件落一条审计观察。
func (s *Scheduler) recordSkippedEvent(ctx context.Context, agentID string, event types.TriggerEvent, reason string) {
	if s.auditor == nil {
		return
	}
	obs := fmt.Sprintf("event=%s skipped reason=%q at %s",
		event.Type, reason, s.now().UTC().Format(time.RFC3339))
	if err := s.auditor.RecordAudit(ctx, "agent/"+agentID, auditEntityType, []string{obs}); err != nil {
		s.logger.Warn("failed to record skipped event",
			zap.String("agent", agentID), zap.Error(err))
	}
}

func (s *Scheduler) recordActivity(ctx context.Context, agentID, action string, event types.TriggerEvent, tokens int64) {
	if s.auditor == nil {
		return
	}
	obs := fmt.Sprintf("action=%s event=%s tokens=%d at %s",
		action, event.Type, tokens, s.now().UTC().Format(time.RFC3339))
	if err := s.auditor.RecordAudit(ctx, "agent/"+agentID, auditEntityType, []string{obs}); err != nil {
		s.logger.Warn("failed to record activity audit",
			zap.String("agent", agentID), zap.Error(err))
	}
}

// updateProfile 在锁内读改写档案。档案不存在时先创建默认档案。
func (s *Scheduler) updateProfile(ctx context.Context, agentID string, mutate func(*types.AgentProfile) error) (*types.AgentProfile, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "agent id is required")
	}
	var out *types.AgentProfile
	err := s.locks.WithLock(agentID, func() error {
		p, err := s.loadProfile(ctx, agentID)
		if err != nil {
			return err
		}
		s.resetIfNewDay(p)
		if err := mutate(p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := s.putProfile(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadProfile 读档案；不存在时返回带默认预算的新档案（尚未持久化）。
func (s *Scheduler) loadProfile(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	data, err := s.store.Get(ctx, collectionProfiles, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &types.AgentProfile{
				AgentID:     agentID,
				TokenBudget: s.config.DefaultBudget,
				BudgetDay:   s.now().UTC().Truncate(24 * time.Hour),
			}, nil
		}
		return nil, err
	}
	var p types.AgentProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %q: %w", agentID, err)
	}
	return &p, nil
}

func (s *Scheduler) putProfile(ctx context.Context, p *types.AgentProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile %q: %w", p.AgentID, err)
	}
	return s.store.Put(ctx, collectionProfiles, p.AgentID, data)
}

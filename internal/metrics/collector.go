// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有记录方法对 nil 接收者安全，
// 不需要指标的组件可以直接传 nil。
type Collector struct {
	// 消息指标
	messagesSent       *prometheus.CounterVec
	messagesDelivered  *prometheus.CounterVec
	messagePushLatency prometheus.Histogram

	// 图谱指标
	graphMutations *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter

	// 共识指标
	consensusDecisions *prometheus.CounterVec
	votesCast          prometheus.Counter

	// 调度器指标
	agentActions *prometheus.CounterVec
	tokensSpent  *prometheus.CounterVec

	// AI 路由指标
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// 工具调用指标
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册所有指标。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages accepted by the hub",
		},
		[]string{"type", "priority"},
	)
	c.messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total message deliveries by path (push or poll)",
		},
		[]string{"path"},
	)
	c.messagePushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_push_latency_seconds",
			Help:      "Latency of live push delivery",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.graphMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_mutations_total",
			Help:      "Knowledge graph mutations by kind",
		},
		[]string{"kind"},
	)
	c.cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Search cache hits",
		},
	)
	c.cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Search cache misses",
		},
	)

	c.consensusDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_decisions_total",
			Help:      "Proposal terminal transitions by status",
		},
		[]string{"status"},
	)
	c.votesCast = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_votes_total",
			Help:      "Votes accepted",
		},
	)

	c.agentActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_actions_total",
			Help:      "Autonomous actions by outcome",
		},
		[]string{"outcome"},
	)
	c.tokensSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_spent_total",
			Help:      "Tokens charged against agent budgets",
		},
		[]string{"agent"},
	)

	c.providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "AI provider calls by provider and result",
		},
		[]string{"provider", "result"},
	)
	c.providerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "AI provider call duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Dispatched tool calls by name and result",
		},
		[]string{"tool", "result"},
	)
	c.toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordMessageSent 记录一条被接受的消息。
func (c *Collector) RecordMessageSent(msgType, priority string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(msgType, priority).Inc()
}

// RecordDelivery 记录一次投递（path 为 push 或 poll）。
func (c *Collector) RecordDelivery(path string) {
	if c == nil {
		return
	}
	c.messagesDelivered.WithLabelValues(path).Inc()
}

// RecordPushLatency 记录实时推送延迟。
func (c *Collector) RecordPushLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.messagePushLatency.Observe(d.Seconds())
}

// RecordGraphMutation 记录一次图谱变更。
func (c *Collector) RecordGraphMutation(kind string) {
	if c == nil {
		return
	}
	c.graphMutations.WithLabelValues(kind).Inc()
}

// RecordCacheHit 记录检索缓存命中。
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss 记录检索缓存未命中。
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// RecordConsensusDecision 记录提案终态迁移。
func (c *Collector) RecordConsensusDecision(status string) {
	if c == nil {
		return
	}
	c.consensusDecisions.WithLabelValues(status).Inc()
}

// RecordVote 记录一张被接受的选票。
func (c *Collector) RecordVote() {
	if c == nil {
		return
	}
	c.votesCast.Inc()
}

// RecordAgentAction 记录自主动作结果（executed/skipped/budget_exceeded/disabled）。
func (c *Collector) RecordAgentAction(outcome string) {
	if c == nil {
		return
	}
	c.agentActions.WithLabelValues(outcome).Inc()
}

// RecordTokensSpent 记录计入预算的 token 消耗。
func (c *Collector) RecordTokensSpent(agentID string, tokens int64) {
	if c == nil {
		return
	}
	c.tokensSpent.WithLabelValues(agentID).Add(float64(tokens))
}

// RecordProviderCall 记录一次 AI Provider 调用。
func (c *Collector) RecordProviderCall(provider, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(provider, result).Inc()
	c.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordToolCall 记录一次工具调用。
func (c *Collector) RecordToolCall(tool, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, result).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/internal/keylock"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

const collectionMessages = "messages"

// Store is the storage surface the hub requires. *storage.Adapter satisfies it.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Query(ctx context.Context, collection string, filter storage.Filter) ([]storage.KV, error)
	Delete(ctx context.Context, collection, key string) error
}

// Config 消息中心配置
type Config struct {
	// 消息保留期，超过后在下一次写入时惰性清除
	Retention time.Duration `yaml:"retention" json:"retention"`

	// 统计窗口
	StatsWindow time.Duration `yaml:"stats_window" json:"stats_window"`

	// 订阅通道缓冲大小
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriber_buffer"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认消息中心配置
func DefaultConfig() Config {
	return Config{
		Retention:        7 * 24 * time.Hour,
		StatsWindow:      time.Hour,
		SubscriberBuffer: 64,
	}
}

// Hub 是消息中心。
type Hub struct {
	store   Store
	config  Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	// 每收件人分片锁，保证同收件人投递顺序
	locks *keylock.KeyLock

	// 订阅者注册表：agent id -> 活跃推送通道
	subMu       sync.RWMutex
	subscribers map[string]chan types.AgentMessage
	registered  map[string]bool

	// 消息键的单调序列
	seqMu   sync.Mutex
	lastSeq int64

	evicting atomic.Bool
	closed   atomic.Bool
}

// New 创建消息中心。collector 可以为 nil。
func New(store Store, config Config, collector *metrics.Collector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	if config.StatsWindow <= 0 {
		config.StatsWindow = DefaultConfig().StatsWindow
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		store:       store,
		config:      config,
		now:         now,
		logger:      logger.With(zap.String("component", "message_hub")),
		metrics:     collector,
		locks:       keylock.New(128),
		subscribers: make(map[string]chan types.AgentMessage),
		registered:  make(map[string]bool),
	}
}

// RegisterAgent 把 Agent 加入注册集合，使其成为广播收件人。
func (h *Hub) RegisterAgent(agentID string) {
	if agentID == "" {
		return
	}
	h.subMu.Lock()
	h.registered[agentID] = true
	h.subMu.Unlock()
}

// RegisteredAgents 返回当前注册的 Agent 集合（升序）。
func (h *Hub) RegisteredAgents() []string {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	agents := make([]string, 0, len(h.registered))
	for id := range h.registered {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents
}

// Subscribe 为 Agent 打开一条活跃推送通道，返回通道与取消函数。
// 推送是至多一次的：通道满时丢弃推送，排队取回路径仍然可靠。
func (h *Hub) Subscribe(agentID string) (<-chan types.AgentMessage, func()) {
	ch := make(chan types.AgentMessage, h.config.SubscriberBuffer)

	h.subMu.Lock()
	// 同一 Agent 的旧订阅被替换
	if old, ok := h.subscribers[agentID]; ok {
		close(old)
	}
	h.subscribers[agentID] = ch
	h.registered[agentID] = true
	h.subMu.Unlock()

	h.logger.Debug("agent subscribed", zap.String("agent", agentID))

	cancel := func() {
		h.subMu.Lock()
		if cur, ok := h.subscribers[agentID]; ok && cur == ch {
			delete(h.subscribers, agentID)
			close(ch)
		}
		h.subMu.Unlock()
	}
	return ch, cancel
}

// Send 发送一条消息：分配 id 与时间戳并持久化；收件人在线时立即推送
// 并标记已投递，否则排队等待取回。广播扇出到所有已注册 Agent。
func (h *Hub) Send(ctx context.Context, msg *types.AgentMessage) (*types.AgentMessage, error) {
	if msg == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "message is required")
	}
	if msg.From == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "message sender is required")
	}
	if msg.To == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "message recipient is required")
	}
	if msg.Type == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "message type is required")
	}
	if msg.Priority == "" {
		msg.Priority = types.PriorityNormal
	}
	if !types.ValidPriority(msg.Priority) {
		return nil, types.NewError(types.ErrInvalidArgument, "unknown priority").
			WithKey("priority", string(msg.Priority))
	}

	msg.ID = uuid.New().String()
	msg.CreatedAt = h.now()
	msg.Delivered = false
	msg.DeliveredAt = nil
	msg.DeliveredTo = nil

	// 发送者自动进入注册集合
	h.RegisterAgent(msg.From)

	if msg.IsBroadcast() {
		// 逻辑单条消息 + 收件人集合，不按收件人落物理拷贝
		msg.Recipients = h.RegisteredAgents()
	} else {
		msg.Recipients = nil
		h.RegisterAgent(msg.To)
	}

	key := h.messageKey(msg)
	if err := h.putMessage(ctx, key, msg); err != nil {
		return nil, err
	}

	h.metrics.RecordMessageSent(msg.Type, string(msg.Priority))

	// 推送路径：对每个在线收件人至多一次
	if msg.IsBroadcast() {
		for _, agentID := range msg.Recipients {
			h.tryPush(ctx, key, msg, agentID)
		}
	} else {
		h.tryPush(ctx, key, msg, msg.To)
	}

	// 惰性清理过期消息，绝不阻塞本次写入
	h.evictExpired()

	h.logger.Debug("message sent",
		zap.String("id", msg.ID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("type", msg.Type))

	copied := *msg
	return &copied, nil
}

// GetMessages 返回发给 agentID 的消息，按创建时间升序。
// sinceID 非空时只返回其之后的消息；unreadOnly 时只返回未投递的。
// 返回的未读消息作为副作用被标记为已投递。
func (h *Hub) GetMessages(ctx context.Context, agentID, sinceID string, unreadOnly bool) ([]types.AgentMessage, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "agent id is required")
	}
	h.RegisterAgent(agentID)

	var out []types.AgentMessage
	err := h.locks.WithLock(agentID, func() error {
		kvs, err := h.store.Query(ctx, collectionMessages, storage.Filter{})
		if err != nil {
			return err
		}

		passedSince := sinceID == ""
		for _, kv := range kvs {
			var msg types.AgentMessage
			if uerr := json.Unmarshal(kv.Value, &msg); uerr != nil {
				h.logger.Warn("skipping undecodable message", zap.String("key", kv.Key), zap.Error(uerr))
				continue
			}
			if !passedSince {
				if msg.ID == sinceID {
					passedSince = true
				}
				continue
			}
			if !msg.AddressedTo(agentID) {
				continue
			}
			unread := !msg.DeliveredFor(agentID)
			if unreadOnly && !unread {
				continue
			}

			if unread {
				h.markDelivered(ctx, kv.Key, &msg, agentID)
				h.metrics.RecordDelivery("poll")
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats 返回统计窗口内的消息计数。
func (h *Hub) Stats(ctx context.Context) (*types.MessageStats, error) {
	kvs, err := h.store.Query(ctx, collectionMessages, storage.Filter{})
	if err != nil {
		return nil, err
	}

	cutoff := h.now().Add(-h.config.StatsWindow)
	stats := &types.MessageStats{
		ByType:     make(map[string]int64),
		ByPriority: make(map[string]int64),
		ByAgent:    make(map[string]int64),
		Window:     h.config.StatsWindow,
	}
	for _, kv := range kvs {
		var msg types.AgentMessage
		if uerr := json.Unmarshal(kv.Value, &msg); uerr != nil {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		if !msg.Delivered && len(msg.DeliveredTo) == 0 {
			stats.Undelivered++
		}
		stats.ByType[msg.Type]++
		stats.ByPriority[string(msg.Priority)]++
		stats.ByAgent[msg.From]++
	}
	return stats, nil
}

// Close 关闭所有订阅通道。
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.subMu.Lock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.subMu.Unlock()
}

// tryPush 尝试通过活跃通道推送给单个收件人，成功则标记已投递。
func (h *Hub) tryPush(ctx context.Context, key string, msg *types.AgentMessage, agentID string) {
	h.subMu.RLock()
	ch, online := h.subscribers[agentID]
	h.subMu.RUnlock()
	if !online {
		return
	}

	h.locks.Lock(agentID)
	defer h.locks.Unlock(agentID)

	start := h.now()
	select {
	case ch <- *msg:
		h.markDelivered(ctx, key, msg, agentID)
		h.metrics.RecordDelivery("push")
		h.metrics.RecordPushLatency(h.now().Sub(start))
	default:
		// 通道已满：放弃推送，留给排队取回路径
		h.logger.Warn("push channel full, falling back to queue",
			zap.String("agent", agentID), zap.String("id", msg.ID))
	}
}

// markDelivered 持久化投递状态迁移。失败只记日志：投递状态是
// 尽力而为的标记，消息本体已经安全落盘。
func (h *Hub) markDelivered(ctx context.Context, key string, msg *types.AgentMessage, agentID string) {
	now := h.now()
	if msg.IsBroadcast() {
		if msg.DeliveredFor(agentID) {
			return
		}
		msg.DeliveredTo = append(msg.DeliveredTo, agentID)
		if len(msg.DeliveredTo) == len(msg.Recipients) {
			msg.Delivered = true
			msg.DeliveredAt = &now
		}
	} else {
		msg.Delivered = true
		msg.DeliveredAt = &now
	}
	if err := h.putMessage(ctx, key, msg); err != nil {
		h.logger.Warn("failed to persist delivery status",
			zap.String("id", msg.ID), zap.Error(err))
	}
}

func (h *Hub) putMessage(ctx context.Context, key string, msg *types.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %q: %w", msg.ID, err)
	}
	return h.store.Put(ctx, collectionMessages, key, data)
}

// messageKey 生成按创建顺序排序的存储键。
func (h *Hub) messageKey(msg *types.AgentMessage) string {
	h.seqMu.Lock()
	seq := msg.CreatedAt.UnixNano()
	if seq <= h.lastSeq {
		seq = h.lastSeq + 1
	}
	h.lastSeq = seq
	h.seqMu.Unlock()
	return fmt.Sprintf("%020d:%s", seq, msg.ID)
}

// evictExpired 在后台清理超过保留期的消息，同一时刻至多一个清理任务。
func (h *Hub) evictExpired() {
	if !h.evicting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.evicting.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		horizon := h.now().Add(-h.config.Retention)
		kvs, err := h.store.Query(ctx, collectionMessages, storage.Filter{})
		if err != nil {
			h.logger.Warn("retention scan failed", zap.Error(err))
			return
		}
		evicted := 0
		for _, kv := range kvs {
			var msg types.AgentMessage
			if uerr := json.Unmarshal(kv.Value, &msg); uerr != nil {
				continue
			}
			if !msg.CreatedAt.Before(horizon) {
				// 键按创建顺序排序，后面的都还没过期
				break
			}
			if derr := h.store.Delete(ctx, collectionMessages, kv.Key); derr != nil {
				h.logger.Warn("retention delete failed", zap.String("key", kv.Key), zap.Error(derr))
				continue
			}
			evicted++
		}
		if evicted > 0 {
			h.logger.Info("evicted expired messages", zap.Int("count", evicted))
		}
	}()
}

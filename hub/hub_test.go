package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

// fakeClock 是协程安全的可拨动时钟。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T, mutate func(*Config)) *Hub {
	t.Helper()

	adapter, err := storage.NewAdapter(storage.NewMemoryBackend(zap.NewNop()), nil, storage.AdapterConfig{
		ProbeInterval: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := New(adapter, cfg, nil, zap.NewNop())
	t.Cleanup(h.Close)
	return h
}

func TestSend_QueueThenPoll(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	sent, err := h.Send(ctx, &types.AgentMessage{
		From: "planner", To: "coder", Type: "task", Payload: "implement parser",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Delivered)

	// 收件人不在线：消息排队等待取回
	msgs, err := h.GetMessages(ctx, "coder", "", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, "implement parser", msgs[0].Payload)

	// 取回的副作用：标记已投递
	msgs, err = h.GetMessages(ctx, "coder", "", true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSend_ValidatesInput(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	cases := []*types.AgentMessage{
		nil,
		{To: "coder", Type: "task"},
		{From: "planner", Type: "task"},
		{From: "planner", To: "coder"},
		{From: "planner", To: "coder", Type: "task", Priority: "critical"},
	}
	for i, msg := range cases {
		_, err := h.Send(ctx, msg)
		require.Error(t, err, "case %d", i)
		assert.True(t, types.IsCode(err, types.ErrInvalidArgument), "case %d", i)
	}
}

func TestSend_DefaultPriority(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)

	sent, err := h.Send(context.Background(), &types.AgentMessage{
		From: "a", To: "b", Type: "note",
	})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityNormal, sent.Priority)
}

func TestSend_LivePushMarksDelivered(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	ch, cancel := h.Subscribe("coder")
	defer cancel()

	_, err := h.Send(ctx, &types.AgentMessage{From: "planner", To: "coder", Type: "task"})
	require.NoError(t, err)

	select {
	case pushed := <-ch:
		assert.Equal(t, "task", pushed.Type)
	case <-time.After(time.Second):
		t.Fatal("expected live push")
	}

	// 推送即投递：未读取回为空
	msgs, err := h.GetMessages(ctx, "coder", "", true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSend_PushChannelFullFallsBackToQueue(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, func(c *Config) { c.SubscriberBuffer = 1 })
	ctx := context.Background()

	_, cancel := h.Subscribe("coder")
	defer cancel()

	// 第一条占满缓冲，第二条推送失败但仍可靠排队
	_, err := h.Send(ctx, &types.AgentMessage{From: "p", To: "coder", Type: "task", Payload: "one"})
	require.NoError(t, err)
	_, err = h.Send(ctx, &types.AgentMessage{From: "p", To: "coder", Type: "task", Payload: "two"})
	require.NoError(t, err)

	msgs, err := h.GetMessages(ctx, "coder", "", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Payload)
}

func TestGetMessages_OrderAndSince(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		sent, err := h.Send(ctx, &types.AgentMessage{
			From: "planner", To: "coder", Type: "task",
			Payload: fmt.Sprintf("step-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, sent.ID)
	}

	msgs, err := h.GetMessages(ctx, "coder", "", false)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, ids[i], msg.ID, "messages observed in send order")
	}

	// sinceID 之后的消息
	msgs, err = h.GetMessages(ctx, "coder", ids[2], false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[3], msgs[0].ID)
	assert.Equal(t, ids[4], msgs[1].ID)
}

func TestBroadcast_PerRecipientDelivery(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	h.RegisterAgent("coder")
	h.RegisterAgent("reviewer")

	sent, err := h.Send(ctx, &types.AgentMessage{
		From: "planner", To: types.BroadcastRecipient, Type: "announcement",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"coder", "planner", "reviewer"}, sent.Recipients)

	// coder 读到之后，仅对 coder 标记已投递
	msgs, err := h.GetMessages(ctx, "coder", "", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = h.GetMessages(ctx, "coder", "", true)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// reviewer 仍然未读
	msgs, err = h.GetMessages(ctx, "reviewer", "", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
}

func TestBroadcast_LaterRegisteredAgentNotRecipient(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	ctx := context.Background()

	h.RegisterAgent("coder")

	_, err := h.Send(ctx, &types.AgentMessage{
		From: "planner", To: types.BroadcastRecipient, Type: "announcement",
	})
	require.NoError(t, err)

	// 广播后才注册的 Agent 不在收件人集合里
	msgs, err := h.GetMessages(ctx, "latecomer", "", false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStats_WindowFiltering(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newTestHub(t, func(c *Config) {
		c.StatsWindow = time.Hour
		c.Now = clock.Now
	})
	ctx := context.Background()

	_, err := h.Send(ctx, &types.AgentMessage{From: "a", To: "b", Type: "task", Priority: types.PriorityHigh})
	require.NoError(t, err)

	// 两小时后：第一条滑出窗口
	clock.Advance(2 * time.Hour)
	_, err = h.Send(ctx, &types.AgentMessage{From: "a", To: "b", Type: "status"})
	require.NoError(t, err)
	_, err = h.Send(ctx, &types.AgentMessage{From: "c", To: "b", Type: "status"})
	require.NoError(t, err)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Undelivered)
	assert.Equal(t, int64(2), stats.ByType["status"])
	assert.Zero(t, stats.ByType["task"])
	assert.Equal(t, int64(1), stats.ByAgent["a"])
	assert.Equal(t, int64(1), stats.ByAgent["c"])
}

func TestRetention_LazyEvictionOnWrite(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newTestHub(t, func(c *Config) {
		c.Retention = time.Hour
		c.Now = clock.Now
	})
	ctx := context.Background()

	_, err := h.Send(ctx, &types.AgentMessage{From: "a", To: "b", Type: "old"})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = h.Send(ctx, &types.AgentMessage{From: "a", To: "b", Type: "fresh"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, gerr := h.GetMessages(ctx, "b", "", false)
		return gerr == nil && len(msgs) == 1 && msgs[0].Type == "fresh"
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribe_ReplacesPreviousChannel(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)

	old, _ := h.Subscribe("coder")
	fresh, cancel := h.Subscribe("coder")
	defer cancel()

	// 旧通道被关闭
	_, ok := <-old
	assert.False(t, ok)

	_, err := h.Send(context.Background(), &types.AgentMessage{From: "p", To: "coder", Type: "task"})
	require.NoError(t, err)

	select {
	case msg := <-fresh:
		assert.Equal(t, "task", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected push on replacement channel")
	}
}

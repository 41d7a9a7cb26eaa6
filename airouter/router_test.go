package airouter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/types"
)

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

// scriptedProvider 按预设的成败序列响应。
type scriptedProvider struct {
	name  string
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Execute(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return nil, errors.New("upstream unavailable")
	}
	return &Response{Provider: p.name, Content: "reply to " + req.Prompt}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	p.mu.Lock()
	fail := p.fail
	p.calls++
	p.mu.Unlock()
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return (&EchoProvider{ProviderName: p.name}).Stream(ctx, req)
}

func newTestRouter(t *testing.T, clock *fakeClock, providers ...Provider) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{Threshold: 3, Cooldown: 30 * time.Second, HalfOpenMaxCalls: 1}
	cfg.CallTimeout = time.Second
	cfg.Now = clock.Now
	r, err := New(providers, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestExecute_FailoverToNextProvider(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary", fail: true}
	p2 := &scriptedProvider{name: "secondary"}
	r := newTestRouter(t, clock, p1, p2)

	resp, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.Equal(t, 1, p1.callCount(), "primary tried first")
}

func TestExecute_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary", fail: true}
	p2 := &scriptedProvider{name: "secondary"}
	r := newTestRouter(t, clock, p1, p2)

	// 3 次连续失败后熔断
	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p1.callCount())

	status := r.Status()
	assert.Equal(t, BreakerOpen, status[0].Breaker)
	assert.False(t, status[0].Available)

	// 熔断期内不再尝试 primary
	_, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, p1.callCount(), "open breaker skips primary")
}

func TestExecute_HalfOpenProbeRecovers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary", fail: true}
	p2 := &scriptedProvider{name: "secondary"}
	r := newTestRouter(t, clock, p1, p2)

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
		require.NoError(t, err)
	}

	// 冷却期过后 primary 恢复：半开试探成功并回到 closed
	p1.setFail(false)
	clock.Advance(time.Minute)

	resp, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, BreakerClosed, r.Status()[0].Breaker)
}

func TestExecute_AllProvidersDown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary", fail: true}
	p2 := &scriptedProvider{name: "secondary", fail: true}
	r := newTestRouter(t, clock, p1, p2)

	_, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderUnavailable))
}

func TestExecute_PreferredProviderFirst(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary"}
	p2 := &scriptedProvider{name: "secondary"}
	r := newTestRouter(t, clock, p1, p2)

	resp, err := r.Execute(context.Background(), Request{Prompt: "hi"}, "secondary")
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
	assert.Zero(t, p1.callCount())

	_, err = r.Execute(context.Background(), Request{Prompt: "hi"}, "nonexistent")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
}

func TestStream_DeliversChunksInOrder(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	r := newTestRouter(t, clock, &EchoProvider{})

	ch, provider, err := r.Stream(context.Background(), Request{Prompt: "one two three"}, "")
	require.NoError(t, err)
	assert.Equal(t, "echo", provider)

	var b strings.Builder
	done := false
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			done = true
			continue
		}
		b.WriteString(chunk.Content)
	}
	assert.True(t, done)
	assert.Equal(t, "one two three", b.String())
}

func TestStream_CancellationPropagates(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	r := newTestRouter(t, clock, &EchoProvider{Latency: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := r.Stream(ctx, Request{Prompt: strings.Repeat("word ", 100)}, "")
	require.NoError(t, err)

	// 读到第一个片段后取消
	first := <-ch
	require.NoError(t, first.Err)
	cancel()

	var sawCancel bool
	for chunk := range ch {
		if chunk.Err != nil {
			assert.ErrorIs(t, chunk.Err, context.Canceled)
			sawCancel = true
		}
	}
	assert.True(t, sawCancel, "cancellation surfaces as a terminal error chunk")
}

func TestStream_AbandonedConsumerClosesForwarder(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	r := newTestRouter(t, clock, &EchoProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := r.Stream(ctx, Request{Prompt: strings.Repeat("word ", 200)}, "")
	require.NoError(t, err)

	// 只读一个片段就取消并停止消费
	<-ch
	cancel()

	// 转发协程必须退出并关闭通道，而不是卡在写满的缓冲区上
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStream_FailoverBeforeStreamStarts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Now()}
	p1 := &scriptedProvider{name: "primary", fail: true}
	p2 := &scriptedProvider{name: "secondary"}
	r := newTestRouter(t, clock, p1, p2)

	ch, provider, err := r.Stream(context.Background(), Request{Prompt: "hello"}, "")
	require.NoError(t, err)
	assert.Equal(t, "secondary", provider)
	for range ch {
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	_, err := New([]Provider{
		&EchoProvider{ProviderName: "a"},
		&EchoProvider{ProviderName: "a"},
	}, DefaultConfig(), nil, zap.NewNop())
	require.Error(t, err)
}

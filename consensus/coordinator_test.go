package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

type capturingPublisher struct {
	mu         sync.Mutex
	sent       []types.AgentMessage
	registered []string
}

func (p *capturingPublisher) Send(_ context.Context, msg *types.AgentMessage) (*types.AgentMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, *msg)
	return msg, nil
}

func (p *capturingPublisher) RegisterAgent(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, agentID)
}

func (p *capturingPublisher) messages() []types.AgentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.AgentMessage(nil), p.sent...)
}

type capturingAuditor struct {
	mu      sync.Mutex
	entries map[string][]string
}

func (a *capturingAuditor) RecordAudit(_ context.Context, name, _ string, obs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		a.entries = make(map[string][]string)
	}
	a.entries[name] = append(a.entries[name], obs...)
	return nil
}

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

type testEnv struct {
	coord     *Coordinator
	publisher *capturingPublisher
	auditor   *capturingAuditor
	clock     *fakeClock
}

func newTestCoordinator(t *testing.T) *testEnv {
	t.Helper()

	adapter, err := storage.NewAdapter(storage.NewMemoryBackend(zap.NewNop()), nil, storage.AdapterConfig{
		ProbeInterval: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Now = clock.Now

	pub := &capturingPublisher{}
	aud := &capturingAuditor{}
	coord := New(adapter, pub, aud, cfg, nil, zap.NewNop())
	t.Cleanup(coord.Close)

	return &testEnv{coord: coord, publisher: pub, auditor: aud, clock: clock}
}

func TestCastVote_QuorumDecides(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "adopt plan A?", []string{"yes", "no"}, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalOpen, p.Status)

	tally, err := env.coord.CastVote(ctx, p.ID, "agent-1", "yes")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalOpen, tally.Proposal.Status)

	// 不同投票者数已达法定票数，但意见分歧：保持开放
	tally, err = env.coord.CastVote(ctx, p.ID, "agent-3", "no")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalOpen, tally.Proposal.Status)

	// "yes" 自身集齐法定票数：立即裁决，少数票计入计票
	tally, err = env.coord.CastVote(ctx, p.ID, "agent-2", "yes")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalDecided, tally.Proposal.Status)
	assert.Equal(t, "yes", tally.Proposal.Decision)
	assert.Equal(t, 2, tally.Counts["yes"])
	assert.Equal(t, 1, tally.Counts["no"])

	// 裁决后拒绝继续投票
	_, err = env.coord.CastVote(ctx, p.ID, "agent-4", "no")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProposalClosed))
}

func TestCastVote_TieBreaksByLowestVoterID(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "pick a color", []string{"red", "blue"}, 2, time.Hour)
	require.NoError(t, err)

	// 1:1 平票：没有选项集齐法定票数，提案保持开放等待更多投票
	_, err = env.coord.CastVote(ctx, p.ID, "agent-b", "blue")
	require.NoError(t, err)
	tally, err := env.coord.CastVote(ctx, p.ID, "agent-a", "red")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalOpen, tally.Proposal.Status)

	// 截止时间到仍然平票：agent-a 的 id 更小，red 胜出
	env.clock.Advance(2 * time.Hour)
	tally, err = env.coord.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalDecided, tally.Proposal.Status)
	assert.Equal(t, "red", tally.Proposal.Decision)
}

func TestCastVote_LastWriteWinsPerVoter(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "revote allowed", []string{"yes", "no"}, 3, time.Hour)
	require.NoError(t, err)

	_, err = env.coord.CastVote(ctx, p.ID, "agent-1", "yes")
	require.NoError(t, err)
	// 改票：覆盖而非追加
	tally, err := env.coord.CastVote(ctx, p.ID, "agent-1", "no")
	require.NoError(t, err)

	require.Len(t, tally.Votes, 1)
	assert.Equal(t, "no", tally.Votes[0].Value)
	assert.Equal(t, 1, tally.Counts["no"])
	assert.Zero(t, tally.Counts["yes"])
	assert.Equal(t, types.ProposalOpen, tally.Proposal.Status)
}

func TestCastVote_RejectsUnknownOption(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "strict options", []string{"yes", "no"}, 2, time.Hour)
	require.NoError(t, err)

	_, err = env.coord.CastVote(ctx, p.ID, "agent-1", "maybe")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidArgument))
}

func TestDeadline_ExpiresWithoutQuorum(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "will expire", []string{"yes", "no"}, 3, time.Minute)
	require.NoError(t, err)

	_, err = env.coord.CastVote(ctx, p.ID, "agent-1", "yes")
	require.NoError(t, err)

	// 时钟跨过截止时间：读取路径惰性过期
	env.clock.Advance(2 * time.Minute)

	tally, err := env.coord.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalExpired, tally.Proposal.Status)
	assert.Empty(t, tally.Proposal.Decision)

	// 过期后的投票被拒绝
	_, err = env.coord.CastVote(ctx, p.ID, "agent-2", "yes")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProposalClosed))
}

func TestFinalize_PublishesOutcomeAndAudit(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "notify on decide", []string{"go"}, 1, time.Hour)
	require.NoError(t, err)

	_, err = env.coord.CastVote(ctx, p.ID, "agent-1", "go")
	require.NoError(t, err)

	env.publisher.mu.Lock()
	registered := append([]string(nil), env.publisher.registered...)
	env.publisher.mu.Unlock()
	assert.Contains(t, registered, "agent-1")

	msgs := env.publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.BroadcastRecipient, msgs[0].To)
	assert.Equal(t, resultMessageType, msgs[0].Type)
	assert.Contains(t, msgs[0].Payload, p.ID)
	assert.Contains(t, msgs[0].Payload, "decided")

	env.auditor.mu.Lock()
	obs := env.auditor.entries["proposal/"+p.ID]
	env.auditor.mu.Unlock()
	require.NotEmpty(t, obs)
	assert.Contains(t, obs, "decision=go")
}

func TestSweeper_ExpiresInBackground(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)
	ctx := context.Background()

	p, err := env.coord.CreateProposal(ctx, "background expiry", nil, 5, time.Minute)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		msgs := env.publisher.messages()
		return len(msgs) == 1 && msgs[0].Type == resultMessageType
	}, time.Second, 10*time.Millisecond)

	// 清扫只发生一次：不会重复广播
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.publisher.messages(), 1)

	open, err := env.coord.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	tally, err := env.coord.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalExpired, tally.Proposal.Status)
}

func TestGetProposal_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestCoordinator(t)

	_, err := env.coord.GetProposal(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestDecide_Deterministic(t *testing.T) {
	t.Parallel()

	votes := []types.ConsensusVote{
		{VoterID: "c", Value: "blue"},
		{VoterID: "a", Value: "red"},
		{VoterID: "b", Value: "blue"},
		{VoterID: "d", Value: "red"},
	}
	// 2:2 平票，red 的最小支持者 a < blue 的最小支持者 b
	for i := 0; i < 10; i++ {
		assert.Equal(t, "red", decide(votes))
	}
}

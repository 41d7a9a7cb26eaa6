package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/internal/keylock"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/storage"
	"github.com/BaSui01/agenthub/types"
)

const (
	collectionProposals = "proposals"
	collectionVotes     = "votes"

	// 审计实体类型与结果消息类型
	auditEntityType   = "consensus_proposal"
	resultMessageType = "consensus_result"
)

// Store is the storage surface the coordinator requires.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Query(ctx context.Context, collection string, filter storage.Filter) ([]storage.KV, error)
	Delete(ctx context.Context, collection, key string) error
}

// Publisher broadcasts proposal outcomes. *hub.Hub satisfies it.
// RegisterAgent makes a voter part of the broadcast recipient set, so the
// outcome announcement reaches every agent that participated.
type Publisher interface {
	Send(ctx context.Context, msg *types.AgentMessage) (*types.AgentMessage, error)
	RegisterAgent(agentID string)
}

// Auditor records decision audit trails. *graph.KnowledgeGraph satisfies it
// through a thin adapter in the composition root.
type Auditor interface {
	RecordAudit(ctx context.Context, entityName, entityType string, observations []string) error
}

// Config 共识协调器配置
type Config struct {
	// 默认法定票数，提案未指定时使用
	DefaultQuorum int `yaml:"default_quorum" json:"default_quorum"`

	// 默认投票窗口
	DefaultWindow time.Duration `yaml:"default_window" json:"default_window"`

	// 过期清扫间隔
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Now 用于测试。默认 time.Now。
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认共识配置
func DefaultConfig() Config {
	return Config{
		DefaultQuorum: 2,
		DefaultWindow: 10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Coordinator 管理提案生命周期。
type Coordinator struct {
	store     Store
	publisher Publisher
	auditor   Auditor
	config    Config
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collector

	// 每提案锁：同一提案的投票与裁决串行化
	locks *keylock.KeyLock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New 创建共识协调器。publisher、auditor、collector 都可以为 nil。
func New(store Store, publisher Publisher, auditor Auditor, config Config, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultQuorum <= 0 {
		config.DefaultQuorum = DefaultConfig().DefaultQuorum
	}
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = DefaultConfig().DefaultWindow
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		store:     store,
		publisher: publisher,
		auditor:   auditor,
		config:    config,
		now:       now,
		logger:    logger.With(zap.String("component", "consensus")),
		metrics:   collector,
		locks:     keylock.New(64),
		stopCh:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Close 停止后台清扫。
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// CreateProposal 创建一个新的待表决提案。
func (c *Coordinator) CreateProposal(ctx context.Context, description string, options []string, quorum int, window time.Duration) (*types.ConsensusProposal, error) {
	if description == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "proposal description is required")
	}
	if quorum <= 0 {
		quorum = c.config.DefaultQuorum
	}
	if window <= 0 {
		window = c.config.DefaultWindow
	}

	now := c.now()
	proposal := &types.ConsensusProposal{
		ID:          uuid.New().String(),
		Description: description,
		Options:     append([]string(nil), options...),
		Quorum:      quorum,
		Deadline:    now.Add(window),
		Status:      types.ProposalOpen,
		CreatedAt:   now,
	}
	if err := c.putProposal(ctx, proposal); err != nil {
		return nil, err
	}

	c.logger.Info("proposal created",
		zap.String("id", proposal.ID),
		zap.Int("quorum", quorum),
		zap.Time("deadline", proposal.Deadline))
	return proposal, nil
}

// CastVote 为提案投一票。同一投票者的后一票覆盖前一票。
// 某个选项自身集齐法定票数时立即裁决；票数够而意见分歧的提案
// 保持开放，到截止时间再按多数收尾。已关闭的提案拒绝投票。
func (c *Coordinator) CastVote(ctx context.Context, proposalID, voterID, value string) (*types.ProposalTally, error) {
	if proposalID == "" || voterID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "proposal id and voter id are required")
	}

	var tally *types.ProposalTally
	err := c.locks.WithLock(proposalID, func() error {
		proposal, err := c.getProposal(ctx, proposalID)
		if err != nil {
			return err
		}

		// 截止时间先于投票到达：先收尾再拒绝
		if proposal.Status == types.ProposalOpen && c.now().After(proposal.Deadline) {
			if err := c.resolveDeadline(ctx, proposal); err != nil {
				return err
			}
		}
		if proposal.Status != types.ProposalOpen {
			return types.NewError(types.ErrProposalClosed, "proposal no longer accepts votes").
				WithKey("proposal_id", proposalID).
				WithKey("status", string(proposal.Status))
		}
		if !proposal.AllowsOption(value) {
			return types.NewError(types.ErrInvalidArgument, "vote value not among proposal options").
				WithKey("proposal_id", proposalID).
				WithKey("value", value)
		}

		vote := types.ConsensusVote{
			ProposalID: proposalID,
			VoterID:    voterID,
			Value:      value,
			CastAt:     c.now(),
		}
		data, merr := json.Marshal(vote)
		if merr != nil {
			return fmt.Errorf("marshal vote: %w", merr)
		}
		// 键含投票者 id：重复投票自然覆盖
		if err := c.store.Put(ctx, collectionVotes, voteKey(proposalID, voterID), data); err != nil {
			return err
		}
		c.metrics.RecordVote()

		// 投票者进入广播收件人集合，裁决公告必达每个参与者
		if c.publisher != nil {
			c.publisher.RegisterAgent(voterID)
		}

		votes, err := c.votesFor(ctx, proposalID)
		if err != nil {
			return err
		}
		// 只有刚投出的选项自身集齐法定票数才提前裁决；
		// 分歧的提案留给截止时间收尾，后续投票仍可改变结果
		supporters := 0
		for _, v := range votes {
			if v.Value == value {
				supporters++
			}
		}
		if supporters >= proposal.Quorum {
			if err := c.finalize(ctx, proposal, types.ProposalDecided, value); err != nil {
				return err
			}
		}

		tally = buildTally(proposal, votes)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tally, nil
}

// GetProposal 返回提案与当前计票。截止时间已过而仍 open 的提案
// 先被惰性收尾：票数够时按多数裁决，否则过期。
func (c *Coordinator) GetProposal(ctx context.Context, proposalID string) (*types.ProposalTally, error) {
	if proposalID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "proposal id is required")
	}

	var tally *types.ProposalTally
	err := c.locks.WithLock(proposalID, func() error {
		proposal, err := c.getProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if proposal.Status == types.ProposalOpen && c.now().After(proposal.Deadline) {
			if err := c.resolveDeadline(ctx, proposal); err != nil {
				return err
			}
		}
		votes, err := c.votesFor(ctx, proposalID)
		if err != nil {
			return err
		}
		tally = buildTally(proposal, votes)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tally, nil
}

// ListOpen 返回所有仍在表决中的提案。
func (c *Coordinator) ListOpen(ctx context.Context) ([]types.ConsensusProposal, error) {
	kvs, err := c.store.Query(ctx, collectionProposals, storage.Filter{})
	if err != nil {
		return nil, err
	}
	var open []types.ConsensusProposal
	for _, kv := range kvs {
		var p types.ConsensusProposal
		if uerr := json.Unmarshal(kv.Value, &p); uerr != nil {
			continue
		}
		if p.Status == types.ProposalOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

// ===== 内部实现 =====

// resolveDeadline 在截止时间过后收尾：不同投票者数达到法定票数时
// 按多数裁决（平票走 decide 的确定性规则），否则迁移到 expired。
func (c *Coordinator) resolveDeadline(ctx context.Context, proposal *types.ConsensusProposal) error {
	votes, err := c.votesFor(ctx, proposal.ID)
	if err != nil {
		return err
	}
	if len(votes) >= proposal.Quorum {
		return c.finalize(ctx, proposal, types.ProposalDecided, decide(votes))
	}
	return c.finalize(ctx, proposal, types.ProposalExpired, "")
}

// finalize 执行恰好一次的终态迁移，并发布结果与审计记录。
func (c *Coordinator) finalize(ctx context.Context, proposal *types.ConsensusProposal, status types.ProposalStatus, decision string) error {
	now := c.now()
	proposal.Status = status
	proposal.Decision = decision
	proposal.DecidedAt = &now
	if err := c.putProposal(ctx, proposal); err != nil {
		return err
	}
	c.metrics.RecordConsensusDecision(string(status))

	c.logger.Info("proposal finalized",
		zap.String("id", proposal.ID),
		zap.String("status", string(status)),
		zap.String("decision", decision))

	// 结果广播与审计是尽力而为的通知：失败只记日志，
	// 终态本身已经持久化
	if c.publisher != nil {
		payload, _ := json.Marshal(map[string]string{
			"proposal_id": proposal.ID,
			"status":      string(status),
			"decision":    decision,
			"description": proposal.Description,
		})
		_, perr := c.publisher.Send(ctx, &types.AgentMessage{
			From:     "consensus-coordinator",
			To:       types.BroadcastRecipient,
			Type:     resultMessageType,
			Priority: types.PriorityHigh,
			Payload:  string(payload),
		})
		if perr != nil {
			c.logger.Warn("failed to broadcast proposal outcome",
				zap.String("id", proposal.ID), zap.Error(perr))
		}
	}
	if c.auditor != nil {
		obs := []string{
			fmt.Sprintf("status=%s at %s", status, now.UTC().Format(time.RFC3339)),
		}
		if decision != "" {
			obs = append(obs, fmt.Sprintf("decision=%s", decision))
		}
		if aerr := c.auditor.RecordAudit(ctx, "proposal/"+proposal.ID, auditEntityType, obs); aerr != nil {
			c.logger.Warn("failed to record audit entity",
				zap.String("id", proposal.ID), zap.Error(aerr))
		}
	}
	return nil
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired 对截止时间已过的 open 提案收尾。
func (c *Coordinator) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open, err := c.ListOpen(ctx)
	if err != nil {
		c.logger.Warn("expiry sweep failed", zap.Error(err))
		return
	}
	now := c.now()
	for i := range open {
		p := open[i]
		if !now.After(p.Deadline) {
			continue
		}
		err := c.locks.WithLock(p.ID, func() error {
			// 锁内重读：投票路径可能已经裁决
			fresh, gerr := c.getProposal(ctx, p.ID)
			if gerr != nil {
				return gerr
			}
			if fresh.Status != types.ProposalOpen {
				return nil
			}
			return c.resolveDeadline(ctx, fresh)
		})
		if err != nil {
			c.logger.Warn("failed to expire proposal", zap.String("id", p.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) putProposal(ctx context.Context, p *types.ConsensusProposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal %q: %w", p.ID, err)
	}
	return c.store.Put(ctx, collectionProposals, p.ID, data)
}

func (c *Coordinator) getProposal(ctx context.Context, id string) (*types.ConsensusProposal, error) {
	data, err := c.store.Get(ctx, collectionProposals, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NewError(types.ErrNotFound, "proposal not found").
				WithKey("proposal_id", id)
		}
		return nil, err
	}
	var p types.ConsensusProposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proposal %q: %w", id, err)
	}
	return &p, nil
}

func (c *Coordinator) votesFor(ctx context.Context, proposalID string) ([]types.ConsensusVote, error) {
	kvs, err := c.store.Query(ctx, collectionVotes, storage.Filter{KeyPrefix: proposalID + "|"})
	if err != nil {
		return nil, err
	}
	votes := make([]types.ConsensusVote, 0, len(kvs))
	for _, kv := range kvs {
		var v types.ConsensusVote
		if uerr := json.Unmarshal(kv.Value, &v); uerr != nil {
			continue
		}
		votes = append(votes, v)
	}
	return votes, nil
}

func voteKey(proposalID, voterID string) string {
	return proposalID + "|" + voterID
}

// decide 从投票集合得出裁决：票数最多的选项获胜，
// 平票时在并列选项中取支持者里投票者 id 最小的那个选项。
// 相同输入总是产生相同输出。
func decide(votes []types.ConsensusVote) string {
	counts := make(map[string]int)
	minVoter := make(map[string]string)
	for _, v := range votes {
		counts[v.Value]++
		if cur, ok := minVoter[v.Value]; !ok || v.VoterID < cur {
			minVoter[v.Value] = v.VoterID
		}
	}

	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	var tied []string
	for value, n := range counts {
		if n == best {
			tied = append(tied, value)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	sort.Slice(tied, func(i, j int) bool {
		a, b := minVoter[tied[i]], minVoter[tied[j]]
		if a != b {
			return a < b
		}
		return tied[i] < tied[j]
	})
	return tied[0]
}

func buildTally(proposal *types.ConsensusProposal, votes []types.ConsensusVote) *types.ProposalTally {
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.Value]++
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].VoterID < votes[j].VoterID })
	return &types.ProposalTally{
		Proposal: *proposal,
		Votes:    votes,
		Counts:   counts,
	}
}

package types

import "time"

// ProposalStatus 提案状态。open -> decided 或 open -> expired，
// 恰好迁移一次，永不回退。
type ProposalStatus string

const (
	ProposalOpen    ProposalStatus = "open"
	ProposalDecided ProposalStatus = "decided"
	ProposalExpired ProposalStatus = "expired"
)

// ConsensusProposal 是一个等待多 Agent 投票的待定决策。
type ConsensusProposal struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Options     []string       `json:"options"`
	Quorum      int            `json:"quorum"`
	Deadline    time.Time      `json:"deadline"`
	Status      ProposalStatus `json:"status"`
	Decision    string         `json:"decision,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AllowsOption 判断投票值是否在允许的选项集合内。
// 选项集合为空时接受任意值。
func (p *ConsensusProposal) AllowsOption(value string) bool {
	if len(p.Options) == 0 {
		return true
	}
	for _, o := range p.Options {
		if o == value {
			return true
		}
	}
	return false
}

// ConsensusVote 是单个投票者对提案的一票。
// 同一投票者的后一票覆盖前一票（按时间戳 last-write-wins）。
type ConsensusVote struct {
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	Value      string    `json:"value"`
	CastAt     time.Time `json:"cast_at"`
}

// ProposalTally 是提案的当前计票结果。
type ProposalTally struct {
	Proposal ConsensusProposal `json:"proposal"`
	Votes    []ConsensusVote   `json:"votes"`
	Counts   map[string]int    `json:"counts"`
}

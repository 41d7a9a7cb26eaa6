package types

import "time"

// AgentProfile holds the per-agent autonomous configuration and the rolling
// daily token budget. TokensUsed never exceeds TokenBudget: requests that
// would exceed it are rejected, not queued.
type AgentProfile struct {
	AgentID           string            `json:"agent_id"`
	TokenBudget       int64             `json:"token_budget"`
	TokensUsed        int64             `json:"tokens_used"`
	Triggers          map[string]string `json:"triggers"`
	AutonomousEnabled bool              `json:"autonomous_enabled"`

	// BudgetDay marks the UTC day the current usage window belongs to.
	// Usage resets when the wall clock crosses into a new UTC day.
	BudgetDay time.Time `json:"budget_day"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the unspent portion of the daily budget.
func (p *AgentProfile) Remaining() int64 {
	r := p.TokenBudget - p.TokensUsed
	if r < 0 {
		return 0
	}
	return r
}

// TriggerEvent is an incoming event that may fire a mapped autonomous action.
type TriggerEvent struct {
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

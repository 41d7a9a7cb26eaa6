package api

import (
	"encoding/json"

	"github.com/BaSui01/agenthub/types"
)

// Response 是统一的 API 响应信封。
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo 是响应中的结构化错误。
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Keys    map[string]string `json:"keys,omitempty"`
}

// ToolCallRequest 是工具调用请求体。
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ===== 工具参数结构 =====

type createEntitiesArgs struct {
	Entities []types.Entity `json:"entities"`
}

type searchEntitiesArgs struct {
	Query       string   `json:"query"`
	EntityTypes []string `json:"entityTypes"`
	Limit       int      `json:"limit"`
}

type addObservationsArgs struct {
	EntityName   string   `json:"entityName"`
	Observations []string `json:"observations"`
}

type createRelationsArgs struct {
	Relations []types.Relation `json:"relations"`
}

type sendMessageArgs struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
}

type getMessagesArgs struct {
	AgentID    string `json:"agentId"`
	SinceID    string `json:"sinceId"`
	UnreadOnly bool   `json:"unreadOnly"`
}

type broadcastArgs struct {
	From    string `json:"from"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type aiRequestArgs struct {
	Request           aiRequest `json:"request"`
	PreferredProvider string    `json:"preferredProvider"`
}

type aiRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type startAutonomousArgs struct {
	AgentID  string            `json:"agentId"`
	Triggers map[string]string `json:"triggers"`
	Config   autonomousConfig  `json:"config"`
}

type autonomousConfig struct {
	TokenBudget int64 `json:"tokenBudget"`
}

type setTokenBudgetArgs struct {
	AgentID      string `json:"agentId"`
	TokensPerDay int64  `json:"tokensPerDay"`
}

type triggerActionArgs struct {
	AgentID string             `json:"agentId"`
	Event   types.TriggerEvent `json:"event"`
}

type createProposalArgs struct {
	Description   string   `json:"description"`
	Options       []string `json:"options"`
	Quorum        int      `json:"quorum"`
	WindowSeconds int64    `json:"windowSeconds"`
}

type castVoteArgs struct {
	ProposalID   string `json:"proposalId"`
	VoterAgentID string `json:"voterAgentId"`
	Value        string `json:"value"`
}

type proposalStatusArgs struct {
	ProposalID string `json:"proposalId"`
}

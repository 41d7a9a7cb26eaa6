package types

import "time"

// Priority represents message priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// BroadcastRecipient is the recipient marker that fans a message out to all
// currently registered agents. Logically a single message with a recipient
// set, never one physical copy per agent.
const BroadcastRecipient = "*"

// AgentMessage is an agent-addressed message. Immutable once created except
// for the delivery-status transition.
type AgentMessage struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Type        string     `json:"type"`
	Priority    Priority   `json:"priority"`
	Payload     string     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// Recipients holds the resolved recipient set for broadcast messages.
	// Empty for directly addressed messages.
	Recipients []string `json:"recipients,omitempty"`

	// DeliveredTo tracks which broadcast recipients have observed the message.
	DeliveredTo []string `json:"delivered_to,omitempty"`
}

// IsBroadcast reports whether the message targets all registered agents.
func (m *AgentMessage) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// AddressedTo reports whether agentID should observe this message.
func (m *AgentMessage) AddressedTo(agentID string) bool {
	if m.To == agentID {
		return true
	}
	if !m.IsBroadcast() {
		return false
	}
	for _, r := range m.Recipients {
		if r == agentID {
			return true
		}
	}
	return false
}

// DeliveredFor reports whether agentID has already observed this message.
func (m *AgentMessage) DeliveredFor(agentID string) bool {
	if !m.IsBroadcast() {
		return m.Delivered
	}
	for _, d := range m.DeliveredTo {
		if d == agentID {
			return true
		}
	}
	return false
}

// MessageStats 是可配置的滑动时间窗内的消息计数统计。
type MessageStats struct {
	Total       int64            `json:"total"`
	Undelivered int64            `json:"undelivered"`
	ByType      map[string]int64 `json:"by_type"`
	ByPriority  map[string]int64 `json:"by_priority"`
	ByAgent     map[string]int64 `json:"by_agent"`
	Window      time.Duration    `json:"window"`
}

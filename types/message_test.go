package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentMessage_AddressedTo(t *testing.T) {
	direct := &AgentMessage{To: "agent-a"}
	assert.True(t, direct.AddressedTo("agent-a"))
	assert.False(t, direct.AddressedTo("agent-b"))

	bcast := &AgentMessage{To: BroadcastRecipient, Recipients: []string{"agent-a", "agent-b"}}
	assert.True(t, bcast.IsBroadcast())
	assert.True(t, bcast.AddressedTo("agent-a"))
	assert.True(t, bcast.AddressedTo("agent-b"))
	// 不在注册集合内的 Agent 不应观察到广播
	assert.False(t, bcast.AddressedTo("agent-c"))
}

func TestAgentMessage_DeliveredFor(t *testing.T) {
	bcast := &AgentMessage{
		To:          BroadcastRecipient,
		Recipients:  []string{"agent-a", "agent-b"},
		DeliveredTo: []string{"agent-a"},
	}
	assert.True(t, bcast.DeliveredFor("agent-a"))
	assert.False(t, bcast.DeliveredFor("agent-b"))
}

func TestValidPriority(t *testing.T) {
	assert.True(t, ValidPriority(PriorityUrgent))
	assert.False(t, ValidPriority(Priority("critical")))
}

func TestProposal_AllowsOption(t *testing.T) {
	p := &ConsensusProposal{Options: []string{"yes", "no"}}
	assert.True(t, p.AllowsOption("yes"))
	assert.False(t, p.AllowsOption("maybe"))

	open := &ConsensusProposal{}
	assert.True(t, open.AllowsOption("anything"))
}

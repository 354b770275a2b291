package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitySetContainsAll(t *testing.T) {
	agent := NewCapabilitySet("code", "edit", "refactor")

	assert.True(t, agent.ContainsAll(NewCapabilitySet("code")))
	assert.True(t, agent.ContainsAll(NewCapabilitySet("code", "edit")))
	assert.True(t, agent.ContainsAll(NewCapabilitySet()))
	assert.False(t, agent.ContainsAll(NewCapabilitySet("code", "search")))
}

func TestCapabilitySetIgnoresEmptyNames(t *testing.T) {
	s := NewCapabilitySet("", "code", "code")
	assert.Len(t, s, 1)
	assert.True(t, s.Has("code"))
}

func TestCapabilitySetJSON(t *testing.T) {
	d := AgentDescriptor{ID: "coder", Name: "Coder", Capabilities: NewCapabilitySet("refactor", "code")}

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"capabilities":["code","refactor"]`)

	var decoded AgentDescriptor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Capabilities.ContainsAll(d.Capabilities))
	assert.Len(t, decoded.Capabilities, 2)
}

func TestAgentResponseFinal(t *testing.T) {
	assert.True(t, (&AgentResponse{Content: "done"}).Final())
	assert.False(t, (&AgentResponse{ToolCalls: []ToolCall{{Name: "read_file"}}}).Final())
}

func TestStreamChunkTerminal(t *testing.T) {
	assert.False(t, StreamChunk{Content: "a"}.Terminal())
	assert.True(t, StreamChunk{Done: true}.Terminal())
	assert.True(t, StreamChunk{Err: ErrProviderError}.Terminal())
}

package domain

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Capability is a tag an agent declares and a request may require.
type Capability string

// CapabilitySet is an explicit set of capabilities, compared by containment.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from names. Empty names are ignored.
func NewCapabilitySet(names ...string) CapabilitySet {
	s := make(CapabilitySet, len(names))
	for _, n := range names {
		if n != "" {
			s[Capability(n)] = struct{}{}
		}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// ContainsAll reports whether s is a superset of required.
func (s CapabilitySet) ContainsAll(required CapabilitySet) bool {
	for c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// List returns the capabilities sorted by name.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewCapabilitySet(names...)
	return nil
}

// AgentConfig holds the model and loop settings of one agent.
type AgentConfig struct {
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"maxTokens"`
	MaxIterations int           `json:"maxIterations"`
	ToolTimeout   time.Duration `json:"-"`
	ParallelTools bool          `json:"parallelTools"`
	Tools         []string      `json:"tools,omitempty"`
	SystemPrompt  string        `json:"-"`
}

// AgentDescriptor identifies an agent and what it can do.
// Immutable after creation; owned by the agent registry.
type AgentDescriptor struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Capabilities CapabilitySet `json:"capabilities"`
	Config       AgentConfig   `json:"config"`
}

// Strategy names how a route request selects its agent.
type Strategy string

const (
	StrategyExplicit    Strategy = "explicit"
	StrategyCapability  Strategy = "capability"
	StrategyLoadBalance Strategy = "load-balance"
	StrategyFallback    Strategy = "fallback"
)

// RouteOptions tunes a single dispatch.
type RouteOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// RouteRequest asks the router to pick an agent and dispatch a message.
type RouteRequest struct {
	Message      string       `json:"message"`
	AgentID      string       `json:"agentId,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Strategy     Strategy     `json:"strategy,omitempty"`
	Options      RouteOptions `json:"options,omitzero"`
	History      []Message    `json:"history,omitempty"`
}

// Selection is the outcome of agent selection alone, before dispatch.
type Selection struct {
	Agent    AgentDescriptor
	Strategy Strategy
	// Matched counts requested capabilities the agent covers.
	Matched int
}

// AgentResponse is a worker's answer: final content, tool calls, or both.
type AgentResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Final reports whether the response ends the tool-use loop.
func (r *AgentResponse) Final() bool { return len(r.ToolCalls) == 0 }

// RouteResult is a dispatched response with routing metadata.
type RouteResult struct {
	AgentID     string         `json:"agentId"`
	Strategy    Strategy       `json:"strategy"`
	RoutingTime time.Duration  `json:"-"`
	Response    *AgentResponse `json:"response"`
}

// StreamChunk is one element of a streamed dispatch. The last chunk has Done
// set or carries Err.
type StreamChunk struct {
	AgentID   string     `json:"agentId"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// Terminal reports whether the chunk ends the stream.
func (c StreamChunk) Terminal() bool { return c.Done || c.Err != nil }

// Worker is a capability-tagged agent the router dispatches to.
type Worker interface {
	Descriptor() AgentDescriptor
	HasCapability(c Capability) bool
	SendMessage(ctx context.Context, conversation []Message, opts RouteOptions) (*AgentResponse, error)
	StreamMessage(ctx context.Context, conversation []Message, opts RouteOptions) (<-chan StreamChunk, error)
}

// AgentStats is a read-only load snapshot of one agent.
type AgentStats struct {
	ID          string `json:"id"`
	Active      int64  `json:"active"`
	TotalRouted int64  `json:"totalRouted"`
}

// RouterStats is a read-only snapshot of router counters.
type RouterStats struct {
	TotalRouted      int64        `json:"totalRouted"`
	AvgRoutingTimeMs float64      `json:"avgRoutingTimeMs"`
	Samples          int          `json:"samples"`
	Agents           []AgentStats `json:"agents"`
}

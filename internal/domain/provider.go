package domain

import "context"

// LLMProvider is one model backend a worker talks to.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name is the registry key from the provider config.
	Name() string
}

// StreamingLLMProvider is implemented by providers that can stream. Workers
// fall back to Chat when a provider does not.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream delivers deltas until one with Done or Err set, then closes
	// the channel.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// StreamDelta is one piece of a streamed answer. Usage is set on the final
// delta when the backend reports it.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

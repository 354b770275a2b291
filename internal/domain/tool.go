package domain

import (
	"context"
	"encoding/json"
	"time"
)

// PermissionLevel gates who may invoke a tool.
type PermissionLevel string

const (
	PermissionUser  PermissionLevel = "user"
	PermissionAdmin PermissionLevel = "admin"
)

// RateLimit caps calls per (tool, caller) pair within a sliding window.
type RateLimit struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// MarshalJSON encodes the window in milliseconds.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MaxCalls int   `json:"maxCalls"`
		WindowMs int64 `json:"windowMs"`
	}{r.MaxCalls, r.Window.Milliseconds()})
}

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolDefinition is the declared contract of a tool. Immutable once registered.
type ToolDefinition struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	Permission       PermissionLevel `json:"permissionLevel"`
	Cacheable        bool            `json:"cacheable"`
	CacheTTL         time.Duration   `json:"-"`
	Timeout          time.Duration   `json:"-"`
	RateLimit        *RateLimit      `json:"rateLimit,omitempty"`
	SupportsParallel bool            `json:"supportsParallel"`
}

// Schema returns the function-calling schema for the definition.
func (d ToolDefinition) Schema() ToolSchema {
	return ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Tool is the interface every tool must implement.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Validator is implemented by tools that pre-check their input.
// A non-nil error rejects the call before any rate limit or cache work.
type Validator interface {
	Validate(input json.RawMessage) error
}

// ToolCallState is a step in a tool call's lifecycle.
type ToolCallState string

const (
	ToolCallPending ToolCallState = "pending"
	ToolCallRunning ToolCallState = "running"
	ToolCallSuccess ToolCallState = "success"
	ToolCallError   ToolCallState = "error"
)

// ToolCallTransition records when a call entered a state.
type ToolCallTransition struct {
	State ToolCallState `json:"state"`
	At    time.Time     `json:"at"`
}

// ToolCall represents an agent's request to invoke a tool.
// Transitions are append-only; With* methods return a new value and never
// modify a slice another observer may hold.
type ToolCall struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Arguments   json.RawMessage      `json:"arguments"`
	Result      *ToolResult          `json:"result,omitempty"`
	Timestamp   time.Time            `json:"timestamp,omitzero"`
	Transitions []ToolCallTransition `json:"transitions,omitempty"`
}

// State returns the most recent state, or pending when none was recorded.
func (c ToolCall) State() ToolCallState {
	if len(c.Transitions) == 0 {
		return ToolCallPending
	}
	return c.Transitions[len(c.Transitions)-1].State
}

// WithState returns a copy of c with state s appended.
func (c ToolCall) WithState(s ToolCallState, at time.Time) ToolCall {
	next := make([]ToolCallTransition, len(c.Transitions), len(c.Transitions)+1)
	copy(next, c.Transitions)
	c.Transitions = append(next, ToolCallTransition{State: s, At: at})
	return c
}

// WithResult returns a copy of c carrying r and the matching terminal state.
// A call that already has a result is returned unchanged.
func (c ToolCall) WithResult(r *ToolResult, at time.Time) ToolCall {
	if c.Result != nil {
		return c
	}
	state := ToolCallSuccess
	if r == nil || !r.Success {
		state = ToolCallError
	}
	c = c.WithState(state, at)
	c.Result = r
	return c
}

// ToolResult is the outcome of invoking a tool through the executor.
type ToolResult struct {
	CallID          string          `json:"callId,omitempty"`
	Tool            string          `json:"tool"`
	Success         bool            `json:"success"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Code            ErrorCode       `json:"code,omitempty"`
	RetryAfterMs    int64           `json:"retryAfterMs,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Cached          bool            `json:"cached,omitempty"`
}

// Content renders the result as text for feeding back to an agent.
func (r *ToolResult) Content() string {
	if r == nil {
		return ""
	}
	if !r.Success {
		return "error: " + r.Error
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	return string(r.Output)
}

// Caller identifies who invokes a tool. It keys the rate limiter and
// determines access to admin tools.
type Caller struct {
	ID   string          `json:"id"`
	Role PermissionLevel `json:"role"`
}

// CanInvoke reports whether the caller's role satisfies level.
func (c Caller) CanInvoke(level PermissionLevel) bool {
	return level != PermissionAdmin || c.Role == PermissionAdmin
}

// ToolInvoker is the executor contract consumed by agents and the gateway.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage, caller Caller) (*ToolResult, error)
	Definition(name string) (ToolDefinition, bool)
	Schemas(names ...string) []ToolSchema
}

// HostBridge is the opaque call interface to file-system and process
// primitives owned by the host application.
type HostBridge interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

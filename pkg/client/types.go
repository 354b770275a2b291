package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Terminal reports whether status is final.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Agent is a registered agent and its current load.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	Active       int64    `json:"active"`
	TotalRouted  int64    `json:"totalRouted"`
}

// Routing is the agent selection for a task.
type Routing struct {
	Agent      Agent   `json:"agent"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// RouteRequest asks which agent would handle a task. Mode is one of auto,
// explicit, capability, or load-balance.
type RouteRequest struct {
	Task         string   `json:"task"`
	Mode         string   `json:"mode,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TaskOptions are per-task settings.
type TaskOptions struct {
	AgentID       string          `json:"agentId,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Strategy      string          `json:"strategy,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     int             `json:"maxTokens,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
}

// ExecuteRequest submits a task.
type ExecuteRequest struct {
	Task           string      `json:"task"`
	Context        string      `json:"context,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Options        TaskOptions `json:"options,omitzero"`
}

// Execution acknowledges a submitted task.
type Execution struct {
	TaskID         string  `json:"taskId"`
	ConversationID string  `json:"conversationId"`
	Routing        Routing `json:"routing"`
	StreamURL      string  `json:"streamUrl"`
}

// Progress is the iteration count of a task.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Task is a task snapshot.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId,omitempty"`
	Strategy       string    `json:"strategy,omitempty"`
	Input          string    `json:"input"`
	Status         string    `json:"status"`
	Progress       Progress  `json:"progress"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Warning        string    `json:"warning,omitempty"`
	Iterations     int       `json:"iterations"`
	CreatedAt      time.Time `json:"createdAt"`
	EndTime        time.Time `json:"endTime,omitzero"`
}

// Terminal reports whether the task has finished.
func (t *Task) Terminal() bool { return Terminal(t.Status) }

// Event is one line of a task stream. Raw holds the full JSON object,
// including fields this package does not model.
type Event struct {
	Seq      uint64
	Type     string
	TaskID   string
	Status   string
	Progress Progress
	Delta    string
	Tool     string
	Result   string
	Error    string
	Reason   string
	Warning  string
	Final    bool
	Raw      json.RawMessage
}

// ToolResult is the outcome of a direct tool invocation.
type ToolResult struct {
	Tool            string          `json:"tool"`
	Success         bool            `json:"success"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	Code            string          `json:"code,omitempty"`
	RetryAfterMs    int64           `json:"retryAfterMs,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Cached          bool            `json:"cached,omitempty"`
	Skipped         bool            `json:"skipped,omitempty"`
}

// ToolCall is one entry of a batch.
type ToolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// BatchRequest runs several tool calls at once.
type BatchRequest struct {
	Calls       []ToolCall `json:"calls"`
	Parallel    bool       `json:"parallel,omitempty"`
	StopOnError bool       `json:"stopOnError,omitempty"`
}

// BatchResponse reports every call in request order.
type BatchResponse struct {
	Results   []ToolResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status   string          `json:"status"`
	Version  string          `json:"version,omitempty"`
	Uptime   int64           `json:"uptime"`
	Features map[string]bool `json:"features"`
	Agents   int             `json:"agents"`
	Tools    int             `json:"tools"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agentd: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentd: %d: %s", e.StatusCode, e.Message)
}

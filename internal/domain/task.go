package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Reasons attached to terminal statuses that are not plain success or failure.
const (
	ReasonIterationLimit = "iteration limit"
	ReasonAntiLoop       = "anti-loop"
	ReasonCancelled      = "cancelled"
)

// Progress describes how far a task has come.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// TaskOptions are per-task settings supplied at submission.
type TaskOptions struct {
	AgentID       string          `json:"agentId,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Strategy      Strategy        `json:"strategy,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     int             `json:"maxTokens,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
}

// Task is one end-to-end unit of work. It is mutated only by the loop that
// drives it; readers receive copies.
type Task struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	AgentID        string      `json:"agentId,omitempty"`
	Strategy       Strategy    `json:"strategy,omitempty"`
	Input          string      `json:"input"`
	Context        string      `json:"context,omitempty"`
	Caller         Caller      `json:"caller"`
	Options        TaskOptions `json:"options,omitzero"`
	Status         TaskStatus  `json:"status"`
	Progress       Progress    `json:"progress"`
	Result         string      `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Warning        string      `json:"warning,omitempty"`
	Iterations     int         `json:"iterations"`
	ToolCalls      []ToolCall  `json:"toolCalls,omitempty"`
	Usage          Usage       `json:"usage"`
	CreatedAt      time.Time   `json:"createdAt"`
	StartTime      time.Time   `json:"startTime,omitzero"`
	EndTime        time.Time   `json:"endTime,omitzero"`
}

// Clone returns a copy that shares no mutable slices with t.
func (t *Task) Clone() *Task {
	c := *t
	c.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
	return &c
}

// Counters is a snapshot of shared routing and caching counters attached to
// status events for observability.
type Counters struct {
	RoutedTotal    int64 `json:"routedTotal"`
	ActiveRequests int64 `json:"activeRequests"`
	CacheHits      int64 `json:"cacheHits"`
	CacheMisses    int64 `json:"cacheMisses"`
	RateLimited    int64 `json:"rateLimited"`
	ToolCalls      int64 `json:"toolCalls"`
}

// TaskEventType distinguishes events on a task stream.
type TaskEventType string

const (
	TaskEventStatus   TaskEventType = "status"
	TaskEventToolCall TaskEventType = "tool_call"
	TaskEventDelta    TaskEventType = "delta"
)

// TaskEvent is one element of a task's output stream. Exactly one event per
// task has Final set; it is the last one.
type TaskEvent struct {
	Seq       uint64        `json:"seq"`
	Type      TaskEventType `json:"type"`
	TaskID    string        `json:"taskId"`
	Status    TaskStatus    `json:"status"`
	Progress  Progress      `json:"progress"`
	ToolCall  *ToolCall     `json:"toolCall,omitempty"`
	Delta     string        `json:"delta,omitempty"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Warning   string        `json:"warning,omitempty"`
	Counters  *Counters     `json:"counters,omitempty"`
	Final     bool          `json:"final,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// TaskStore archives task snapshots beyond their in-memory lifetime.
type TaskStore interface {
	Save(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Close() error
}

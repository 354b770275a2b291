package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskSubmitted     EventType = "task.submitted"
	EventTaskUpdated       EventType = "task.updated"
	EventTaskFinished      EventType = "task.finished"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolRateLimited   EventType = "tool.rate_limited"
	EventToolCacheHit      EventType = "tool.cache.hit"
	EventAgentRouted       EventType = "agent.routed"
	EventAgentFallback     EventType = "agent.fallback"
	EventAgentError        EventType = "agent.error"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"taskId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(eventType EventType, taskID string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Event{Type: eventType, Timestamp: time.Now(), TaskID: taskID, Payload: raw}
}

// ToolCallEventPayload is published with tool.call.* events.
type ToolCallEventPayload struct {
	Tool       string    `json:"tool"`
	Caller     string    `json:"caller"`
	Success    bool      `json:"success"`
	Cached     bool      `json:"cached,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Code       ErrorCode `json:"code,omitempty"`
}

// RoutedEventPayload is published with agent.routed events.
type RoutedEventPayload struct {
	AgentID   string   `json:"agentId"`
	Strategy  Strategy `json:"strategy"`
	LatencyMs float64  `json:"latencyMs"`
	Success   bool     `json:"success"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"agentdispatch/internal/domain"
)

// Subscriber is the subset of the event bus the recorder listens on.
type Subscriber interface {
	Subscribe(eventType domain.EventType, handler domain.EventHandler) func()
}

// Recorder turns bus events into audit entries.
type Recorder struct {
	sink   domain.AuditLogger
	logger *slog.Logger
	unsubs []func()
}

// Attach subscribes a recorder writing to sink. Call Detach before closing
// the sink.
func Attach(bus Subscriber, sink domain.AuditLogger, logger *slog.Logger) *Recorder {
	r := &Recorder{sink: sink, logger: logger}
	r.unsubs = []func(){
		bus.Subscribe(domain.EventToolCallCompleted, r.onToolCall),
		bus.Subscribe(domain.EventToolRateLimited, r.onRateLimited),
		bus.Subscribe(domain.EventTaskSubmitted, r.onTaskSubmitted),
		bus.Subscribe(domain.EventTaskFinished, r.onTaskFinished),
	}
	return r
}

// Detach removes the recorder's subscriptions.
func (r *Recorder) Detach() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

func (r *Recorder) onToolCall(ctx context.Context, ev domain.Event) {
	var p domain.ToolCallEventPayload
	if !r.decode(ev, &p) {
		return
	}
	typ := domain.AuditToolExec
	if p.Cached {
		typ = domain.AuditToolCacheHit
	}
	outcome := "success"
	if !p.Success {
		outcome = string(p.Code)
	}
	r.write(ctx, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      typ,
		TaskID:    ev.TaskID,
		Actor:     p.Caller,
		Resource:  p.Tool,
		Outcome:   outcome,
		Detail:    map[string]string{"duration_ms": strconv.FormatInt(p.DurationMs, 10)},
	})
}

func (r *Recorder) onRateLimited(ctx context.Context, ev domain.Event) {
	var p domain.ToolCallEventPayload
	if !r.decode(ev, &p) {
		return
	}
	r.write(ctx, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      domain.AuditRateLimited,
		TaskID:    ev.TaskID,
		Actor:     p.Caller,
		Resource:  p.Tool,
		Outcome:   string(domain.CodeRateLimit),
	})
}

func (r *Recorder) onTaskSubmitted(ctx context.Context, ev domain.Event) {
	var t domain.Task
	if !r.decode(ev, &t) {
		return
	}
	detail := map[string]string{}
	if t.AgentID != "" {
		detail["agent"] = t.AgentID
	}
	if t.Strategy != "" {
		detail["strategy"] = string(t.Strategy)
	}
	r.write(ctx, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      domain.AuditTaskSubmitted,
		TaskID:    t.ID,
		Actor:     t.Caller.ID,
		Resource:  "task",
		Outcome:   string(t.Status),
		Detail:    detail,
	})
}

func (r *Recorder) onTaskFinished(ctx context.Context, ev domain.Event) {
	var te domain.TaskEvent
	if !r.decode(ev, &te) {
		return
	}
	detail := map[string]string{}
	if te.Reason != "" {
		detail["reason"] = te.Reason
	}
	if te.Error != "" {
		detail["error"] = te.Error
	}
	r.write(ctx, domain.AuditEvent{
		Timestamp: ev.Timestamp,
		Type:      domain.AuditTaskFinished,
		TaskID:    te.TaskID,
		Resource:  "task",
		Outcome:   string(te.Status),
		Detail:    detail,
	})
}

func (r *Recorder) decode(ev domain.Event, v any) bool {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		r.logger.Warn("audit: undecodable event", "type", ev.Type, "error", err)
		return false
	}
	return true
}

func (r *Recorder) write(ctx context.Context, e domain.AuditEvent) {
	if len(e.Detail) == 0 {
		e.Detail = nil
	}
	if err := r.sink.Log(ctx, e); err != nil {
		r.logger.Warn("audit write failed", "type", e.Type, "error", err)
	}
}

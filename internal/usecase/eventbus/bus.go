// Package eventbus is the in-process publish/subscribe hub for task, tool,
// and routing events. Subscribers are the metrics collector, the NATS mirror,
// and anything the gateway attaches for debugging.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"agentdispatch/internal/domain"
)

type subscription struct {
	id      uint64
	prefix  string
	handler domain.EventHandler
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Panics      int64 `json:"panics"`
	Subscribers int   `json:"subscribers"`
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu       sync.RWMutex
	typed    map[domain.EventType][]subscription
	prefixed []subscription
	allSubs  []subscription
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool

	published atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to typed, prefix, and catch-all subscribers.
// Each handler runs in its own goroutine with a context that survives the
// publisher's cancellation, so a finished HTTP request does not cut off
// delivery. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[event.Type])+len(b.prefixed)+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	for _, s := range b.prefixed {
		if strings.HasPrefix(string(event.Type), s.prefix) {
			subs = append(subs, s)
		}
	}
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.dispatch(detached, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"task_id", event.TaskID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
		b.delivered.Add(1)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = remove(b.typed[eventType], id)
	}
}

// SubscribePrefix registers a handler for every event type starting with
// prefix, e.g. "tool." or "task.".
func (b *Bus) SubscribePrefix(prefix string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.prefixed = append(b.prefixed, subscription{id: id, prefix: prefix, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.prefixed = remove(b.prefixed, id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = remove(b.allSubs, id)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.prefixed) + len(b.allSubs)
	for _, subs := range b.typed {
		n += len(subs)
	}
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Panics:      b.panics.Load(),
		Subscribers: n,
	}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)

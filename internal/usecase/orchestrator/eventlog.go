package orchestrator

import (
	"context"
	"sync"

	"agentdispatch/internal/domain"
)

// eventLog is a bounded, append-only log of one task's events. Readers track
// their own offset in terms of events ever written, so a late subscriber
// replays what is still retained and then follows live appends. Once the
// final event is appended the log is sealed.
type eventLog struct {
	mu      sync.Mutex
	events  []domain.TaskEvent
	max     int
	written uint64
	sealed  bool
	notify  chan struct{}
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = 64
	}
	return &eventLog{
		events: make([]domain.TaskEvent, 0, min(max, 16)),
		max:    max,
		notify: make(chan struct{}),
	}
}

// append stamps ev with the next sequence number and wakes readers. It
// returns false once the log is sealed.
func (l *eventLog) append(ev domain.TaskEvent) (domain.TaskEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ev, false
	}
	l.written++
	ev.Seq = l.written
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		// The final event is always last, so trimming the head never drops it.
		l.events = l.events[len(l.events)-l.max:]
	}
	if ev.Final {
		l.sealed = true
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return ev, true
}

// readFrom returns retained events written after offset, the new offset,
// whether the log is sealed, and a channel closed on the next append.
func (l *eventLog) readFrom(offset uint64) ([]domain.TaskEvent, uint64, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := l.written - uint64(len(l.events))
	local := int64(offset) - int64(dropped)
	if local < 0 {
		local = 0
	}
	var out []domain.TaskEvent
	if local < int64(len(l.events)) {
		out = append(out, l.events[local:]...)
	}
	return out, l.written, l.sealed, l.notify
}

// follow streams the log into a new channel until the final event has been
// delivered or ctx ends. The channel is closed right after the final event.
func (l *eventLog) follow(ctx context.Context, buffer int) <-chan domain.TaskEvent {
	out := make(chan domain.TaskEvent, buffer)
	go func() {
		defer close(out)
		var offset uint64
		for {
			evs, next, sealed, wait := l.readFrom(offset)
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			offset = next
			if sealed {
				if len(evs) == 0 {
					return
				}
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

package tool

import (
	"sync"
	"sync/atomic"
	"time"

	"agentdispatch/internal/domain"
)

// RateLimiter implements a sliding-window limiter keyed by "tool:caller".
// Each key keeps the timestamps of its admitted calls in ascending order;
// timestamps outside the window are pruned when the key is next admitted.
type RateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*rateEntry
	rejected atomic.Int64
	now      func() time.Time // for testing
}

type rateEntry struct {
	calls        []time.Time
	windowStart  time.Time
	lastActivity time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*rateEntry),
		now:     time.Now,
	}
}

func rateKey(tool, caller string) string { return tool + ":" + caller }

// CheckLimit admits one call of tool by caller under limit and records it.
// A nil limit or one with MaxCalls <= 0 admits everything without recording.
// A rejection returns *domain.RateLimitError and leaves the history as it was.
func (r *RateLimiter) CheckLimit(tool string, limit *domain.RateLimit, caller string) error {
	if limit == nil || limit.MaxCalls <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-limit.Window)
	key := rateKey(tool, caller)

	e := r.entries[key]
	var live []time.Time
	if e != nil {
		i := 0
		for i < len(e.calls) && !e.calls[i].After(cutoff) {
			i++
		}
		live = e.calls[i:]
	}

	if len(live) >= limit.MaxCalls {
		r.rejected.Add(1)
		return &domain.RateLimitError{
			Tool:       tool,
			Caller:     caller,
			RetryAfter: limit.Window - now.Sub(live[0]),
		}
	}

	if e == nil {
		e = &rateEntry{}
		r.entries[key] = e
	}
	// Copy down so the backing array does not grow without bound.
	n := copy(e.calls, live)
	e.calls = append(e.calls[:n], now)
	e.windowStart = e.calls[0]
	e.lastActivity = now
	return nil
}

// Sweep evicts keys with no admitted call in the last idle duration and
// returns how many were removed.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.lastActivity) > idle {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Rejected returns the number of calls refused since creation.
func (r *RateLimiter) Rejected() int64 { return r.rejected.Load() }

// Reset clears all recorded calls. Useful for testing.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}

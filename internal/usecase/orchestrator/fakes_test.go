package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/logger"
)

// scriptDispatcher plays back agent turns in order. A nil turn blocks until
// ctx ends. Turns past the end repeat the last one. agent, when set, is the
// selected agent.
type scriptDispatcher struct {
	agent *domain.AgentDescriptor
	mu    sync.Mutex
	turns []*domain.AgentResponse
	errs  map[int]error
	calls int
	convs [][]domain.Message
}

func (d *scriptDispatcher) Select(req domain.RouteRequest) (domain.Selection, error) {
	if req.AgentID == "ghost" {
		return domain.Selection{}, domain.ErrAgentNotFound
	}
	if d.agent != nil {
		return domain.Selection{Agent: *d.agent, Strategy: domain.StrategyExplicit}, nil
	}
	return domain.Selection{
		Agent: domain.AgentDescriptor{
			ID:     "general",
			Config: domain.AgentConfig{ParallelTools: true},
		},
		Strategy: domain.StrategyLoadBalance,
	}, nil
}

func (d *scriptDispatcher) DispatchStream(ctx context.Context, _ domain.Selection, conv []domain.Message, _ domain.RouteOptions) (<-chan domain.StreamChunk, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.convs = append(d.convs, append([]domain.Message(nil), conv...))
	err := d.errs[i]
	var turn *domain.AgentResponse
	if len(d.turns) > 0 {
		turn = d.turns[min(i, len(d.turns)-1)]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan domain.StreamChunk, 2)
	go func() {
		defer close(out)
		if turn == nil {
			<-ctx.Done()
			return
		}
		if turn.Content != "" {
			out <- domain.StreamChunk{AgentID: "general", Content: turn.Content}
		}
		u := turn.Usage
		out <- domain.StreamChunk{AgentID: "general", ToolCalls: turn.ToolCalls, Done: true, Usage: &u}
	}()
	return out, nil
}

func (d *scriptDispatcher) dispatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func final(content string) *domain.AgentResponse {
	return &domain.AgentResponse{Content: content, Usage: domain.Usage{TotalTokens: 1}}
}

func callTurn(content string, calls ...domain.ToolCall) *domain.AgentResponse {
	return &domain.AgentResponse{Content: content, ToolCalls: calls}
}

func call(name, args string) domain.ToolCall {
	return domain.ToolCall{Name: name, Arguments: json.RawMessage(args)}
}

// fakeTools answers every call with the tool name. Tools in slow block until
// released; inFlight tracks concurrency.
type fakeTools struct {
	defs     map[string]domain.ToolDefinition
	mu       sync.Mutex
	invoked  []string
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     chan struct{}
}

func newFakeTools() *fakeTools {
	return &fakeTools{defs: map[string]domain.ToolDefinition{
		"read_file":   {Name: "read_file", SupportsParallel: true},
		"search_text": {Name: "search_text", SupportsParallel: true},
		"write_file":  {Name: "write_file"},
		"broken":      {Name: "broken"},
	}}
}

func (f *fakeTools) Invoke(ctx context.Context, name string, _ json.RawMessage, _ domain.Caller) (*domain.ToolResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.invoked = append(f.invoked, name)
	f.mu.Unlock()

	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return &domain.ToolResult{Tool: name, Error: ctx.Err().Error()}, ctx.Err()
		}
	}
	if name == "broken" {
		err := errors.New("disk on fire")
		return &domain.ToolResult{Tool: name, Error: err.Error(), Code: domain.CodeToolExecution}, err
	}
	out, _ := json.Marshal(name + " ok")
	return &domain.ToolResult{Tool: name, Success: true, Output: out}, nil
}

func (f *fakeTools) Definition(name string) (domain.ToolDefinition, bool) {
	d, ok := f.defs[name]
	return d, ok
}

func (f *fakeTools) Schemas(...string) []domain.ToolSchema { return nil }

func (f *fakeTools) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func (s *memStore) Save(_ context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = map[string]*domain.Task{}
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, domain.ErrTaskNotFound
}

func (s *memStore) Close() error { return nil }

func newTestManager(d *scriptDispatcher, tools *fakeTools, cfg Config) (*Manager, *memStore) {
	store := &memStore{}
	m := NewManager(cfg, Deps{
		Router: d,
		Tools:  tools,
		Store:  store,
		Counters: func() domain.Counters {
			return domain.Counters{RoutedTotal: 7}
		},
		Logger: logger.Discard(),
	})
	return m, store
}

func waitTask(m *Manager, id string) (*domain.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Wait(ctx, id)
}

func collect(ch <-chan domain.TaskEvent) []domain.TaskEvent {
	var out []domain.TaskEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

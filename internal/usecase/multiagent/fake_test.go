package multiagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"agentdispatch/internal/domain"
)

// fakeWorker answers with its own ID. When gate is non-nil each call blocks
// until gate is closed or ctx ends.
type fakeWorker struct {
	desc  domain.AgentDescriptor
	gate  chan struct{}
	fail  error
	calls atomic.Int32
}

func newFake(id string, caps ...string) *fakeWorker {
	return &fakeWorker{desc: domain.AgentDescriptor{ID: id, Name: id, Capabilities: domain.NewCapabilitySet(caps...)}}
}

func (f *fakeWorker) Descriptor() domain.AgentDescriptor { return f.desc }

func (f *fakeWorker) HasCapability(c domain.Capability) bool { return f.desc.Capabilities.Has(c) }

func (f *fakeWorker) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.gate == nil {
		return f.fail
	}
	select {
	case <-f.gate:
		return f.fail
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeWorker) SendMessage(ctx context.Context, conv []domain.Message, _ domain.RouteOptions) (*domain.AgentResponse, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return &domain.AgentResponse{Content: f.desc.ID + ": " + conv[len(conv)-1].Content}, nil
}

func (f *fakeWorker) StreamMessage(ctx context.Context, conv []domain.Message, _ domain.RouteOptions) (<-chan domain.StreamChunk, error) {
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		if err := f.wait(ctx); err != nil {
			select {
			case out <- domain.StreamChunk{AgentID: f.desc.ID, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, c := range []domain.StreamChunk{
			{AgentID: f.desc.ID, Content: f.desc.ID + ": "},
			{AgentID: f.desc.ID, Content: conv[len(conv)-1].Content},
			{AgentID: f.desc.ID, Done: true},
		} {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// stubLLM returns canned responses in order and records requests.
type stubLLM struct {
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return nil, errors.New("stub exhausted")
}

// stubTools knows a fixed set of tool names.
type stubTools map[string]bool

func (s stubTools) Invoke(context.Context, string, json.RawMessage, domain.Caller) (*domain.ToolResult, error) {
	return nil, errors.New("not used")
}

func (s stubTools) Definition(name string) (domain.ToolDefinition, bool) {
	return domain.ToolDefinition{Name: name}, s[name]
}

func (s stubTools) Schemas(names ...string) []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(names))
	for _, n := range names {
		if s[n] {
			out = append(out, domain.ToolSchema{Name: n})
		}
	}
	return out
}

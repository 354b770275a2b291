package multiagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/logger"
)

func coderDescriptor() domain.AgentDescriptor {
	for _, d := range BuiltinDescriptors("stub", "m1") {
		if d.ID == "coder" {
			return d
		}
	}
	panic("coder missing")
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestWorkerSendMessageBuildsRequest(t *testing.T) {
	llm := &stubLLM{responses: []*domain.ChatResponse{{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "1", Name: "read_file", Arguments: json.RawMessage(`{}`)}}},
		Usage:   domain.Usage{TotalTokens: 9},
	}}}
	w := NewWorker(coderDescriptor(), llm, stubTools{"read_file": true, "write_file": true}, logger.Discard())

	temp := 0.9
	resp, err := w.SendMessage(context.Background(),
		[]domain.Message{{Role: domain.RoleUser, Content: "fix it"}},
		domain.RouteOptions{Temperature: &temp, MaxTokens: 100})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Final() || resp.Usage.TotalTokens != 9 {
		t.Fatalf("unexpected response %+v", resp)
	}

	req := llm.requests[0]
	if req.Model != "m1" || req.System == "" || req.Temperature != 0.9 || req.MaxTokens != 100 {
		t.Fatalf("request not built from descriptor and options: %+v", req)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("want schemas for known tools only, got %d", len(req.Tools))
	}
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	llm := &stubLLM{
		errs: []error{fmt.Errorf("upstream: %w", domain.ErrTimeout), nil},
		responses: []*domain.ChatResponse{nil, {
			Message: domain.Message{Role: domain.RoleAssistant, Content: "done"},
		}},
	}
	w := NewWorker(coderDescriptor(), llm, nil, logger.Discard())
	w.sleep = noSleep

	resp, err := w.Step(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "q"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "done" || len(llm.requests) != 2 {
		t.Fatalf("content %q after %d requests", resp.Content, len(llm.requests))
	}
}

func TestWorkerDoesNotRetryFatalErrors(t *testing.T) {
	llm := &stubLLM{errs: []error{domain.ErrAuthInvalid}}
	w := NewWorker(coderDescriptor(), llm, nil, logger.Discard())
	w.sleep = noSleep

	_, err := w.Step(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "q"}})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("want ErrAuthInvalid, got %v", err)
	}
	if len(llm.requests) != 1 {
		t.Fatalf("fatal error retried %d times", len(llm.requests))
	}
}

func TestWorkerStreamFallback(t *testing.T) {
	llm := &stubLLM{responses: []*domain.ChatResponse{{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "whole answer"},
		Usage:   domain.Usage{TotalTokens: 3},
	}}}
	w := NewWorker(coderDescriptor(), llm, nil, logger.Discard())

	ch, err := w.StreamMessage(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "q"}}, domain.RouteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var deltas []string
	resp, err := Accumulate(context.Background(), ch, func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "whole answer" || resp.Usage.TotalTokens != 3 || len(deltas) != 1 {
		t.Fatalf("got %+v deltas=%v", resp, deltas)
	}
}

func TestAccumulateStopsOnError(t *testing.T) {
	ch := make(chan domain.StreamChunk, 2)
	ch <- domain.StreamChunk{Content: "par"}
	ch <- domain.StreamChunk{Err: domain.ErrProviderError}
	close(ch)
	if _, err := Accumulate(context.Background(), ch, nil); !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("want provider error, got %v", err)
	}
}

type providerMap map[string]domain.LLMProvider

func (m providerMap) Get(name string) (domain.LLMProvider, error) {
	if p, ok := m[name]; ok {
		return p, nil
	}
	return nil, domain.ErrProviderNotFound
}

func TestWorkerFactory(t *testing.T) {
	factory := NewWorkerFactory(providerMap{"stub": &stubLLM{}}, stubTools{"read_file": true}, logger.Discard())

	w, err := factory(context.Background(), coderDescriptor())
	if err != nil {
		t.Fatal(err)
	}
	if got := w.Descriptor().Config.Tools; len(got) != 1 || got[0] != "read_file" {
		t.Fatalf("unknown tools should be dropped, got %v", got)
	}
	if !w.HasCapability("refactor") {
		t.Fatal("capabilities lost")
	}

	d := coderDescriptor()
	d.Config.Provider = "missing"
	if _, err := factory(context.Background(), d); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("want ErrProviderNotFound, got %v", err)
	}
}

func TestDescriptorsFromConfig(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{Providers: []config.ProviderConfig{{Name: "main", Type: "scripted", Model: "m"}}},
		Tasks: config.TasksConfig{MaxIterations: 7},
	}
	builtin := DescriptorsFromConfig(cfg)
	if len(builtin) != 4 || builtin[0].ID != "general" || builtin[0].Config.Provider != "main" {
		t.Fatalf("builtin agents wrong: %+v", builtin)
	}

	cfg.Agents.List = []config.AgentInstanceConfig{{ID: "solo", Capabilities: []string{"chat"}}}
	got := DescriptorsFromConfig(cfg)
	if len(got) != 1 {
		t.Fatalf("want 1, got %d", len(got))
	}
	d := got[0]
	if d.Name != "solo" || d.Config.Provider != "main" || d.Config.Model != "m" || d.Config.MaxIterations != 7 {
		t.Fatalf("defaults not inherited: %+v", d)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// Script is a deterministic replay table for the scripted provider.
// The first scenario whose Match is a substring of the conversation's first
// user message is replayed; Default is used when none match.
type Script struct {
	Scenarios []Scenario `yaml:"scenarios"`
	Default   []Step     `yaml:"default,omitempty"`
}

// Scenario is an ordered list of model turns.
type Scenario struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Step is one model turn: text, tool calls, or both. Error makes the turn fail.
type Step struct {
	Content   string           `yaml:"content,omitempty"`
	ToolCalls []ScriptToolCall `yaml:"tool_calls,omitempty"`
	Error     string           `yaml:"error,omitempty"`
	Delay     time.Duration    `yaml:"delay,omitempty"`
}

// ScriptToolCall is a tool call emitted by a scripted step.
type ScriptToolCall struct {
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return &s, nil
}

// ScriptedProvider replays a Script. It keeps no per-conversation state: the
// step to play is the number of assistant turns since the last user message,
// so concurrent conversations replay independently.
type ScriptedProvider struct {
	name   string
	model  string
	script *Script
	seq    atomic.Int64
	logger *slog.Logger
}

// NewScriptedProvider creates a scripted provider. A nil script answers every
// request with a single acknowledgement.
func NewScriptedProvider(name string, script *Script, logger *slog.Logger) *ScriptedProvider {
	if script == nil {
		script = &Script{}
	}
	return &ScriptedProvider{name: name, model: "scripted", script: script, logger: logger}
}

// newScriptedFromConfig loads the configured script, if any.
func newScriptedFromConfig(cfg config.ProviderConfig, logger *slog.Logger) (*ScriptedProvider, error) {
	var script *Script
	if cfg.Script != "" {
		s, err := LoadScript(cfg.Script)
		if err != nil {
			return nil, err
		}
		script = s
	}
	p := NewScriptedProvider(cfg.Name, script, logger)
	if cfg.Model != "" {
		p.model = cfg.Model
	}
	return p, nil
}

// Name implements domain.LLMProvider.
func (p *ScriptedProvider) Name() string { return p.name }

// Chat implements domain.LLMProvider.
func (p *ScriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	step, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Error != "" {
		return nil, fmt.Errorf("%s: %w: %s", p.name, domain.ErrProviderError, step.Error)
	}

	id := p.seq.Add(1)
	msg := domain.Message{Role: domain.RoleAssistant, Content: step.Content}
	for i, tc := range step.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil || tc.Arguments == nil {
			args = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        fmt.Sprintf("call_%d_%d", id, i),
			Name:      tc.Name,
			Arguments: args,
		})
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
	}
	completion := len(strings.Fields(step.Content)) + len(step.ToolCalls)

	resp := &domain.ChatResponse{
		ID:        fmt.Sprintf("scripted-%d", id),
		Model:     p.model,
		Message:   msg,
		Usage:     domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		CreatedAt: time.Now(),
	}
	logChatCompleted(p.logger, p.name, resp)
	return resp, nil
}

// ChatStream implements domain.StreamingLLMProvider by splitting the scripted
// content into word deltas.
func (p *ScriptedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.StreamDelta, 8)
	go func() {
		defer close(out)
		words := strings.SplitAfter(resp.Message.Content, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case out <- domain.StreamDelta{Content: w}:
			case <-ctx.Done():
				return
			}
		}
		usage := resp.Usage
		select {
		case out <- domain.StreamDelta{Done: true, ToolCalls: resp.Message.ToolCalls, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *ScriptedProvider) next(req domain.ChatRequest) (Step, error) {
	var first, last string
	turn := 0
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleUser:
			if first == "" {
				first = m.Content
			}
			last = m.Content
			turn = 0
		case domain.RoleAssistant:
			turn++
		}
	}
	if first == "" {
		return Step{}, fmt.Errorf("%s: %w: conversation has no user message", p.name, domain.ErrInvalidInput)
	}

	steps := p.script.Default
	for _, sc := range p.script.Scenarios {
		if sc.Match == "" || strings.Contains(strings.ToLower(first), strings.ToLower(sc.Match)) {
			steps = sc.Steps
			break
		}
	}
	if turn < len(steps) {
		return steps[turn], nil
	}
	return Step{Content: "Acknowledged: " + last}, nil
}

var _ domain.StreamingLLMProvider = (*ScriptedProvider)(nil)

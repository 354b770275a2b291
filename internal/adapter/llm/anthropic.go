package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/tracer"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements domain.StreamingLLMProvider for the
// Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a provider using the official SDK client.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// Chat implements domain.LLMProvider.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	resp, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		err = p.wrapError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	out := fromAnthropicMessage(resp)
	setUsageAttrs(span, out.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, out)
	return out, nil
}

// ChatStream implements domain.StreamingLLMProvider. Text deltas are
// forwarded as they arrive; tool calls come with the final delta.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))

	out := make(chan domain.StreamDelta, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				out <- domain.StreamDelta{Err: p.wrapError(err)}
				return
			}
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			select {
			case out <- domain.StreamDelta{Content: text.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- domain.StreamDelta{Err: p.wrapError(err)}
			return
		}

		final := fromAnthropicMessage(&message)
		out <- domain.StreamDelta{Done: true, ToolCalls: final.Message.ToolCalls, Usage: &final.Usage}
	}()
	return out, nil
}

func (p *AnthropicProvider) params(req domain.ChatRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		schema := schemaMap(t.Parameters)
		input := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					input.Required = append(input.Required, s)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(input, t.Name)
		if tool.OfTool != nil && t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params
}

// toAnthropicMessages converts the conversation. System turns are dropped
// (the system prompt travels separately) and consecutive tool results are
// grouped into one user message as the API requires.
func toAnthropicMessages(msgs []domain.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			continue
		case domain.RoleTool:
			isErr := strings.HasPrefix(m.Content, "error:")
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isErr))
			continue
		}
		flush()
		switch m.Role {
		case domain.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return out
}

func fromAnthropicMessage(resp *anthropic.Message) *domain.ChatResponse {
	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     string(resp.Model),
		Message:   domain.Message{Role: domain.RoleAssistant},
		Usage:     usageOf(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		CreatedAt: time.Now(),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Message.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: arguments(string(args)),
			})
		}
	}
	return out
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return mapHTTPError(p.name, apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", p.name, domain.ErrProviderError, err)
}

var _ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)

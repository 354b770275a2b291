package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/tracer"
)

// OpenAIProvider implements domain.StreamingLLMProvider for any
// OpenAI-compatible Chat Completions API.
type OpenAIProvider struct {
	name   string
	model  string
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider using the official SDK client.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &OpenAIProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: openai.NewClient(opts...),
		logger: logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
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

	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		err = p.wrapError(err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%s: %w: no choices returned", p.name, domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	msg := resp.Choices[0].Message
	out := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: msg.Content,
		},
		Usage:     usageOf(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		CreatedAt: time.Unix(resp.Created, 0),
	}
	for _, tc := range msg.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: arguments(tc.Function.Arguments),
		})
	}

	setUsageAttrs(span, out.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, out)
	return out, nil
}

type aggCall struct{ id, name, args string }

// ChatStream implements domain.StreamingLLMProvider. Tool call fragments are
// aggregated and delivered with the final delta.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	params := p.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan domain.StreamDelta, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		agg := map[int64]*aggCall{}
		var usage *domain.Usage
		for stream.Next() {
			ck := stream.Current()
			if ck.Usage.TotalTokens > 0 {
				u := usageOf(ck.Usage.PromptTokens, ck.Usage.CompletionTokens)
				usage = &u
			}
			for _, ch := range ck.Choices {
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := agg[tc.Index]
					if !ok {
						ac = &aggCall{}
						agg[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if ch.Delta.Content == "" {
					continue
				}
				select {
				case out <- domain.StreamDelta{Content: ch.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- domain.StreamDelta{Err: p.wrapError(err)}
			return
		}

		final := domain.StreamDelta{Done: true, Usage: usage}
		idx := make([]int64, 0, len(agg))
		for i := range agg {
			idx = append(idx, i)
		}
		sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
		for _, i := range idx {
			ac := agg[i]
			final.ToolCalls = append(final.ToolCalls, domain.ToolCall{ID: ac.id, Name: ac.name, Arguments: arguments(ac.args)})
		}
		out <- final
	}()
	return out, nil
}

func (p *OpenAIProvider) params(req domain.ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(schemaMap(t.Parameters)),
			},
		})
	}
	return params
}

func toOpenAIMessages(req domain.ChatRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case domain.RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		case domain.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return mapHTTPError(p.name, apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", p.name, domain.ErrProviderError, err)
}

var _ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)

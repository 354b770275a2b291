package multiagent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
)

const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// Worker is a capability-tagged agent backed by one LLM provider and a fixed
// tool subset. It performs single inferences; the tool-use loop belongs to
// the orchestrator.
type Worker struct {
	desc   domain.AgentDescriptor
	llm    domain.LLMProvider
	tools  domain.ToolInvoker
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker. tools may be nil for chat-only agents.
func NewWorker(desc domain.AgentDescriptor, llm domain.LLMProvider, tools domain.ToolInvoker, logger *slog.Logger) *Worker {
	return &Worker{desc: desc, llm: llm, tools: tools, logger: logger, sleep: sleepCtx}
}

// Descriptor implements domain.Worker.
func (w *Worker) Descriptor() domain.AgentDescriptor { return w.desc }

// HasCapability implements domain.Worker.
func (w *Worker) HasCapability(c domain.Capability) bool { return w.desc.Capabilities.Has(c) }

// Step runs one inference with the agent's own settings.
func (w *Worker) Step(ctx context.Context, conversation []domain.Message) (*domain.AgentResponse, error) {
	return w.SendMessage(ctx, conversation, domain.RouteOptions{})
}

// SendMessage implements domain.Worker. Retryable provider errors are retried
// with exponential backoff.
func (w *Worker) SendMessage(ctx context.Context, conversation []domain.Message, opts domain.RouteOptions) (*domain.AgentResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.send_message",
		trace.WithAttributes(tracer.StringAttr("agent.id", w.desc.ID)),
	)
	defer span.End()

	req := w.request(conversation, opts)
	var lastErr error
	for attempt := 0; attempt < maxLLMRetries; attempt++ {
		resp, err := w.llm.Chat(ctx, req)
		if err == nil {
			tracer.SetOK(span)
			return &domain.AgentResponse{
				Content:   resp.Message.Content,
				ToolCalls: resp.Message.ToolCalls,
				Usage:     resp.Usage,
			}, nil
		}
		lastErr = err
		if !domain.IsRetryableError(err) || attempt == maxLLMRetries-1 {
			break
		}
		delay := retryBackoff(attempt)
		w.logger.Info("retrying llm call after error",
			"agent_id", w.desc.ID, "attempt", attempt+1, "delay", delay, "error", err)
		if err := w.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	tracer.RecordError(span, lastErr)
	return nil, domain.WrapOp("Worker.SendMessage", lastErr)
}

// StreamMessage implements domain.Worker. Providers without streaming support
// produce one content chunk followed by the Done chunk.
func (w *Worker) StreamMessage(ctx context.Context, conversation []domain.Message, opts domain.RouteOptions) (<-chan domain.StreamChunk, error) {
	sp, ok := w.llm.(domain.StreamingLLMProvider)
	if !ok {
		resp, err := w.SendMessage(ctx, conversation, opts)
		if err != nil {
			return nil, err
		}
		out := make(chan domain.StreamChunk, 2)
		if resp.Content != "" {
			out <- domain.StreamChunk{AgentID: w.desc.ID, Content: resp.Content}
		}
		usage := resp.Usage
		out <- domain.StreamChunk{AgentID: w.desc.ID, ToolCalls: resp.ToolCalls, Done: true, Usage: &usage}
		close(out)
		return out, nil
	}

	deltas, err := sp.ChatStream(ctx, w.request(conversation, opts))
	if err != nil {
		return nil, domain.WrapOp("Worker.StreamMessage", err)
	}
	out := make(chan domain.StreamChunk, cap(deltas)+1)
	go func() {
		defer close(out)
		for d := range deltas {
			chunk := domain.StreamChunk{
				AgentID:   w.desc.ID,
				Content:   d.Content,
				ToolCalls: d.ToolCalls,
				Done:      d.Done,
				Usage:     d.Usage,
				Err:       d.Err,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Terminal() {
				return
			}
		}
		// Provider closed without a terminal delta.
		select {
		case out <- domain.StreamChunk{AgentID: w.desc.ID, Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (w *Worker) request(conversation []domain.Message, opts domain.RouteOptions) domain.ChatRequest {
	cfg := w.desc.Config
	req := domain.ChatRequest{
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		Messages:    conversation,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if w.tools != nil && len(cfg.Tools) > 0 {
		req.Tools = w.tools.Schemas(cfg.Tools...)
	}
	return req
}

// retryBackoff computes exponential backoff with up to 25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accumulate drains a chunk stream into a single response. The returned error
// is the first chunk error, or ctx's error if the stream was abandoned.
func Accumulate(ctx context.Context, chunks <-chan domain.StreamChunk, onDelta func(string)) (*domain.AgentResponse, error) {
	var content strings.Builder
	resp := &domain.AgentResponse{}
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				resp.Content = content.String()
				return resp, nil
			}
			if c.Err != nil {
				return nil, c.Err
			}
			if c.Content != "" {
				content.WriteString(c.Content)
				if onDelta != nil {
					onDelta(c.Content)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
			if c.Usage != nil {
				resp.Usage = *c.Usage
			}
			if c.Done {
				resp.Content = content.String()
				return resp, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var _ domain.Worker = (*Worker)(nil)

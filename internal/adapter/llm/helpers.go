package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
)

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// mapHTTPError maps an upstream status code to a domain error so the circuit
// breaker and task loop can classify it.
func mapHTTPError(provider string, statusCode int, cause error) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", provider, domain.ErrAuthInvalid, cause)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: upstream rate limited: %w", provider, domain.ErrProviderError, cause)
	default:
		return fmt.Errorf("%s: %w: %w", provider, domain.ErrProviderError, cause)
	}
}

// schemaMap decodes a JSON Schema into a generic map, defaulting to an
// empty object schema.
func schemaMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

// arguments normalizes tool call arguments to a JSON object.
func arguments(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func usageOf(prompt, completion int64) domain.Usage {
	return domain.Usage{
		PromptTokens:     int(prompt),
		CompletionTokens: int(completion),
		TotalTokens:      int(prompt + completion),
	}
}

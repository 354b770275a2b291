package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

type mockProvider struct {
	name     string
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.chatFunc(ctx, req)
}
func (m *mockProvider) Name() string { return m.name }

type mockStreamProvider struct {
	mockProvider
	streamFunc func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)
}

func (m *mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return m.streamFunc(ctx, req)
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockProvider{
		name: "test",
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.Message{Content: "ok"}}, nil
		},
	}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, slog.Default())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	callCount := 0
	inner := &mockProvider{
		name: "flaky",
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			callCount++
			return nil, errors.New("upstream 502")
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    time.Minute,
	}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, callCount, "open circuit must not reach the provider")
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &mockProvider{
		name: "slow",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, context.Canceled
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	fail := true
	inner := &mockProvider{
		name: "recovering",
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			if fail {
				return nil, errors.New("down")
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "back"}}, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
	}, slog.Default())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	fail = false
	time.Sleep(40 * time.Millisecond)
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Message.Content)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerStream(t *testing.T) {
	inner := &mockStreamProvider{
		mockProvider: mockProvider{name: "s"},
		streamFunc: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			ch := make(chan domain.StreamDelta, 1)
			ch <- domain.StreamDelta{Done: true}
			close(ch)
			return ch, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, slog.Default())
	ch, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	d := <-ch
	assert.True(t, d.Done)

	plain := NewCircuitBreakerProvider(&mockProvider{name: "plain"}, config.CircuitBreakerConfig{}, slog.Default())
	_, err = plain.ChatStream(context.Background(), domain.ChatRequest{})
	assert.Error(t, err)
}

func TestNewHTTPClientTimeouts(t *testing.T) {
	c := NewHTTPClient(config.ProviderConfig{})
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, c.Timeout)

	c = NewHTTPClient(config.ProviderConfig{Timeout: 10 * time.Second})
	assert.Equal(t, defaultConnTimeout+10*time.Second, c.Timeout)
}

package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Executor.Invoke", ErrToolNotFound, "read_file")
	want := "Executor.Invoke: read_file: tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Router.Route", ErrNoAgentsAvailable, "")
	want := "Router.Route: no agents available"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Bridge.Call", ErrPathOutsideSandbox, "/etc/passwd")
	if !errors.Is(err, ErrPathOutsideSandbox) {
		t.Error("errors.Is should match ErrPathOutsideSandbox")
	}
}

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should be nil")
	}
}

func TestSpecificSentinelsWrapCategories(t *testing.T) {
	assert.ErrorIs(t, ErrAgentNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrTaskNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrToolTimeout, ErrTimeout)
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("invoke: %w", &RateLimitError{Tool: "read_file", Caller: "u1", RetryAfter: 250 * time.Millisecond})

	assert.ErrorIs(t, err, ErrRateLimit)
	assert.Contains(t, err.Error(), "retry after 250ms")

	d, ok := RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
	assert.True(t, IsRetryableError(err))

	_, ok = RetryAfterOf(ErrToolTimeout)
	assert.False(t, ok)
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeNoAgents, ErrorCodeOf(ErrNoAgentsAvailable))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_PrefersSpecificSentinel(t *testing.T) {
	err := fmt.Errorf("route: %w", ErrAgentNotFound)
	assert.Equal(t, CodeAgentNotFound, ErrorCodeOf(err))

	err = fmt.Errorf("invoke: %w", ErrToolTimeout)
	assert.Equal(t, CodeToolTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Executor.Invoke", ErrValidation, "missing path")
	assert.Equal(t, CodeValidation, ErrorCodeOf(err))
	assert.Equal(t, CodeValidation, err.Code())
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("agent", "Registry.Get", ErrNotFound, "coder")
	assert.Equal(t, CodeAgentNotFound, ErrorCodeOf(err))

	err = NewSubSystemError("unknown", "X", ErrNotFound, "")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_RateLimitError(t *testing.T) {
	err := &RateLimitError{Tool: "t", Caller: "c", RetryAfter: time.Second}
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("boom")))
}

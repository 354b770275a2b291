package tool

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/logger"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	var runs atomic.Int64
	reg := NewRegistry(nil, logger.Discard())
	require.NoError(t, reg.Register(countingTool(domain.ToolDefinition{Name: "echo"}, &runs)))

	got, err := reg.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Definition().Name)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_Duplicate(t *testing.T) {
	var runs atomic.Int64
	reg := NewRegistry(nil, logger.Discard())
	require.NoError(t, reg.Register(countingTool(domain.ToolDefinition{Name: "echo"}, &runs)))

	err := reg.Register(countingTool(domain.ToolDefinition{Name: "echo"}, &runs))
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	err = reg.Register(countingTool(domain.ToolDefinition{}, &runs))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegistry_BadSchemaStillRegisters(t *testing.T) {
	var runs atomic.Int64
	reg := NewRegistry(nil, logger.Discard())
	def := domain.ToolDefinition{Name: "broken", Parameters: json.RawMessage(`{"type": 12}`)}
	require.NoError(t, reg.Register(countingTool(def, &runs)))

	e, err := reg.lookup("broken")
	require.NoError(t, err)
	assert.Nil(t, e.validator)
}

func TestRegistry_Overrides(t *testing.T) {
	var runs atomic.Int64
	reg := NewRegistry(map[string]config.ToolOverride{
		"limited": {Unlimited: true, Timeout: 5 * time.Second, CacheTTL: time.Hour},
	}, logger.Discard())
	def := domain.ToolDefinition{
		Name:      "limited",
		Timeout:   time.Second,
		CacheTTL:  time.Minute,
		RateLimit: &domain.RateLimit{MaxCalls: 1, Window: time.Second},
	}
	require.NoError(t, reg.Register(countingTool(def, &runs)))

	got, ok := reg.Definition("limited")
	require.True(t, ok)
	assert.Nil(t, got.RateLimit)
	assert.Equal(t, 5*time.Second, got.Timeout)
	assert.Equal(t, time.Hour, got.CacheTTL)
}

func TestRegistry_DefinitionsOrder(t *testing.T) {
	var runs atomic.Int64
	reg := NewRegistry(nil, logger.Discard())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(countingTool(domain.ToolDefinition{Name: name}, &runs)))
	}

	var names []string
	for _, d := range reg.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, 3, reg.Len())
}

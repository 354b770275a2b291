package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/adapter/hostbridge"
	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/logger"
)

func newBuiltinExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# agentd\nrouting core\n"), 0o644))

	bridge, err := hostbridge.NewLocal(root, []string{"ls"}, logger.Discard())
	require.NoError(t, err)

	reg := NewRegistry(nil, logger.Discard())
	for _, tl := range BuiltinTools(bridge) {
		require.NoError(t, reg.Register(tl))
	}
	return NewExecutor(reg, NewRateLimiter(), NewMemoryCache(16), logger.Discard()), root
}

func TestBuiltinTools_Definitions(t *testing.T) {
	e, _ := newBuiltinExecutor(t)

	want := map[string]struct {
		perm     domain.PermissionLevel
		parallel bool
		cache    bool
	}{
		ReadFileTool:      {domain.PermissionUser, true, true},
		ListDirectoryTool: {domain.PermissionUser, true, true},
		SearchTextTool:    {domain.PermissionUser, true, true},
		WriteFileTool:     {domain.PermissionAdmin, false, false},
		RunCommandTool:    {domain.PermissionAdmin, false, false},
	}
	for name, w := range want {
		def, ok := e.Definition(name)
		require.True(t, ok, name)
		assert.Equal(t, w.perm, def.Permission, name)
		assert.Equal(t, w.parallel, def.SupportsParallel, name)
		assert.Equal(t, w.cache, def.Cacheable, name)
		assert.Positive(t, def.Timeout, name)
	}
}

func TestBuiltinTools_ReadFileCached(t *testing.T) {
	e, _ := newBuiltinExecutor(t)
	ctx := context.Background()

	res, err := e.Invoke(ctx, ReadFileTool, json.RawMessage(`{"path":"README.md"}`), alice)
	require.NoError(t, err)
	assert.Contains(t, res.Content(), "routing core")

	res, err = e.Invoke(ctx, ReadFileTool, json.RawMessage(`{"path":"README.md"}`), alice)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestBuiltinTools_SandboxEscape(t *testing.T) {
	e, _ := newBuiltinExecutor(t)

	res, err := e.Invoke(context.Background(), ReadFileTool, json.RawMessage(`{"path":"../secret"}`), alice)
	require.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
	assert.Equal(t, domain.CodePathOutside, res.Code)
}

func TestBuiltinTools_WriteRequiresAdmin(t *testing.T) {
	e, root := newBuiltinExecutor(t)
	input := json.RawMessage(`{"path":"notes.txt","content":"hello"}`)

	_, err := e.Invoke(context.Background(), WriteFileTool, input, alice)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = e.Invoke(context.Background(), WriteFileTool, input, admin)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBuiltinTools_ValidationRejectsMissingFields(t *testing.T) {
	e, _ := newBuiltinExecutor(t)

	_, err := e.Invoke(context.Background(), SearchTextTool, json.RawMessage(`{}`), alice)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Invoke(context.Background(), RunCommandTool, json.RawMessage(`{"command":"rm"}`), admin)
	assert.ErrorIs(t, err, domain.ErrCommandNotAllowed)
}

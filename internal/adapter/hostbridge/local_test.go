package hostbridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/logger"
)

func newTestBridge(t *testing.T, allowed ...string) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "util.go"), []byte("package pkg\n// main helper\n"), 0o644))
	b, err := NewLocal(root, allowed, logger.Discard())
	require.NoError(t, err)
	return b, root
}

func callJSON[R any](t *testing.T, b *Local, method string, params any) (R, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var out R
	res, err := b.Call(context.Background(), method, raw)
	if err != nil {
		return out, err
	}
	require.NoError(t, json.Unmarshal(res, &out))
	return out, nil
}

func TestLocal_ReadFile(t *testing.T) {
	b, _ := newTestBridge(t)

	res, err := callJSON[ReadFileResult](t, b, MethodReadFile, ReadFileParams{Path: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "main.go", res.Path)
	assert.Contains(t, res.Content, "func main()")
	assert.False(t, res.Truncated)

	res, err = callJSON[ReadFileResult](t, b, MethodReadFile, ReadFileParams{Path: "main.go", MaxBytes: 7})
	require.NoError(t, err)
	assert.Equal(t, "package", res.Content)
	assert.True(t, res.Truncated)
}

func TestLocal_PathEscape(t *testing.T) {
	b, _ := newTestBridge(t)

	_, err := callJSON[ReadFileResult](t, b, MethodReadFile, ReadFileParams{Path: "../../etc/passwd"})
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)

	_, err = callJSON[WriteFileResult](t, b, MethodWriteFile, WriteFileParams{Path: "/tmp/outside.txt", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestLocal_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	b, root := newTestBridge(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := callJSON[ListDirectoryResult](t, b, MethodListDirectory, ListDirectoryParams{Path: "link"})
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestLocal_ListDirectory(t *testing.T) {
	b, _ := newTestBridge(t)

	res, err := callJSON[ListDirectoryResult](t, b, MethodListDirectory, ListDirectoryParams{})
	require.NoError(t, err)
	assert.Equal(t, ".", res.Path)

	names := map[string]bool{}
	for _, e := range res.Entries {
		names[e.Name] = e.IsDir
	}
	assert.Equal(t, map[string]bool{"main.go": false, "pkg": true}, names)
}

func TestLocal_SearchText(t *testing.T) {
	b, _ := newTestBridge(t)

	res, err := callJSON[SearchTextResult](t, b, MethodSearchText, SearchTextParams{Query: "main"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.False(t, res.Truncated)

	res, err = callJSON[SearchTextResult](t, b, MethodSearchText, SearchTextParams{Query: "main", MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)
	assert.True(t, res.Truncated)

	_, err = callJSON[SearchTextResult](t, b, MethodSearchText, SearchTextParams{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLocal_WriteFile(t *testing.T) {
	b, root := newTestBridge(t)

	res, err := callJSON[WriteFileResult](t, b, MethodWriteFile, WriteFileParams{Path: "out.txt", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Bytes)

	data, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocal_RunCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix utilities")
	}
	b, _ := newTestBridge(t, "ls")

	res, err := callJSON[RunCommandResult](t, b, MethodRunCommand, RunCommandParams{Command: "ls"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "main.go")

	res, err = callJSON[RunCommandResult](t, b, MethodRunCommand, RunCommandParams{Command: "ls", Args: []string{"missing-dir"}})
	require.NoError(t, err)
	assert.NotZero(t, res.ExitCode)
}

func TestLocal_RunCommandNotAllowed(t *testing.T) {
	b, _ := newTestBridge(t, "ls")

	for _, cmd := range []string{"rm", "/bin/ls", ""} {
		_, err := callJSON[RunCommandResult](t, b, MethodRunCommand, RunCommandParams{Command: cmd})
		assert.ErrorIs(t, err, domain.ErrCommandNotAllowed, cmd)
	}
}

func TestLocal_UnknownMethod(t *testing.T) {
	b, _ := newTestBridge(t)
	_, err := b.Call(context.Background(), "gpu.render", nil)
	assert.ErrorIs(t, err, domain.ErrBridgeMethod)
}

func TestLocal_CancelledContext(t *testing.T) {
	b, _ := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Call(ctx, MethodReadFile, json.RawMessage(`{"path":"main.go"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

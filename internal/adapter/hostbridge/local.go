package hostbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"agentdispatch/internal/domain"
)

// Bridge method names.
const (
	MethodReadFile      = "fs.readFile"
	MethodListDirectory = "fs.listDirectory"
	MethodSearchText    = "fs.searchText"
	MethodWriteFile     = "fs.writeFile"
	MethodRunCommand    = "process.run"
)

const (
	defaultMaxReadBytes  = 1 << 20
	defaultMaxMatches    = 100
	maxSearchFileBytes   = 2 << 20
	maxCommandOutputSize = 256 << 10
)

// Local serves bridge calls against the local file system and process table,
// confined to a sandbox and a command allowlist.
type Local struct {
	sandbox *Sandbox
	allowed map[string]bool
	logger  *slog.Logger
}

// NewLocal creates a bridge rooted at root that may run only the allowed
// command basenames.
func NewLocal(root string, allowedCommands []string, logger *slog.Logger) (*Local, error) {
	sb, err := NewSandbox(root)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &Local{sandbox: sb, allowed: allowed, logger: logger}, nil
}

// Root returns the sandbox root.
func (l *Local) Root() string { return l.sandbox.Root() }

// Call dispatches a bridge method.
func (l *Local) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		out any
		err error
	)
	switch method {
	case MethodReadFile:
		out, err = call(params, l.readFile)
	case MethodListDirectory:
		out, err = call(params, l.listDirectory)
	case MethodSearchText:
		out, err = callCtx(ctx, params, l.searchText)
	case MethodWriteFile:
		out, err = call(params, l.writeFile)
	case MethodRunCommand:
		out, err = callCtx(ctx, params, l.runCommand)
	default:
		return nil, domain.NewDomainError("Local.Call", domain.ErrBridgeMethod, method)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func call[P, R any](raw json.RawMessage, fn func(P) (R, error)) (R, error) {
	var p P
	if err := decode(raw, &p); err != nil {
		var zero R
		return zero, err
	}
	return fn(p)
}

func callCtx[P, R any](ctx context.Context, raw json.RawMessage, fn func(context.Context, P) (R, error)) (R, error) {
	var p P
	if err := decode(raw, &p); err != nil {
		var zero R
		return zero, err
	}
	return fn(ctx, p)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.NewDomainError("Local.Call", domain.ErrInvalidInput, err.Error())
	}
	return nil
}

// ReadFileParams are the parameters of fs.readFile.
type ReadFileParams struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"maxBytes,omitempty"`
}

// ReadFileResult is the result of fs.readFile.
type ReadFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (l *Local) readFile(p ReadFileParams) (ReadFileResult, error) {
	path, err := l.sandbox.Resolve(p.Path)
	if err != nil {
		return ReadFileResult{}, err
	}
	limit := p.MaxBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return ReadFileResult{}, fmt.Errorf("read file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ReadFileResult{}, fmt.Errorf("read file: %w", err)
	}
	if info.IsDir() {
		return ReadFileResult{}, fmt.Errorf("read file: %s is a directory", p.Path)
	}

	buf := make([]byte, min(int64(limit), info.Size()))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ReadFileResult{}, fmt.Errorf("read file: %w", err)
	}

	l.logger.Debug("bridge read", "path", path, "size", n)
	return ReadFileResult{
		Path:      l.sandbox.Rel(path),
		Content:   string(buf[:n]),
		Size:      info.Size(),
		Truncated: info.Size() > int64(n),
	}, nil
}

// ListDirectoryParams are the parameters of fs.listDirectory.
type ListDirectoryParams struct {
	Path string `json:"path"`
}

// DirEntry is one listed file or directory.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ListDirectoryResult is the result of fs.listDirectory.
type ListDirectoryResult struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

func (l *Local) listDirectory(p ListDirectoryParams) (ListDirectoryResult, error) {
	path, err := l.sandbox.Resolve(p.Path)
	if err != nil {
		return ListDirectoryResult{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ListDirectoryResult{}, fmt.Errorf("list dir: %w", err)
	}
	out := ListDirectoryResult{Path: l.sandbox.Rel(path), Entries: make([]DirEntry, 0, len(entries))}
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		out.Entries = append(out.Entries, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return out, nil
}

// SearchTextParams are the parameters of fs.searchText.
type SearchTextParams struct {
	Query      string `json:"query"`
	Path       string `json:"path,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// Match is one line matching a search.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchTextResult is the result of fs.searchText.
type SearchTextResult struct {
	Query     string  `json:"query"`
	Matches   []Match `json:"matches"`
	Truncated bool    `json:"truncated,omitempty"`
}

var errSearchDone = errors.New("search done")

func (l *Local) searchText(ctx context.Context, p SearchTextParams) (SearchTextResult, error) {
	if p.Query == "" {
		return SearchTextResult{}, domain.NewDomainError("Local.searchText", domain.ErrInvalidInput, "query is required")
	}
	root, err := l.sandbox.Resolve(p.Path)
	if err != nil {
		return SearchTextResult{}, err
	}
	limit := p.MaxResults
	if limit <= 0 {
		limit = defaultMaxMatches
	}

	res := SearchTextResult{Query: p.Query, Matches: []Match{}}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), maxSearchFileBytes)
		for line := 1; sc.Scan(); line++ {
			if !strings.Contains(sc.Text(), p.Query) {
				continue
			}
			if len(res.Matches) >= limit {
				res.Truncated = true
				return errSearchDone
			}
			res.Matches = append(res.Matches, Match{
				Path: l.sandbox.Rel(path),
				Line: line,
				Text: strings.TrimSpace(sc.Text()),
			})
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errSearchDone) {
		return SearchTextResult{}, walkErr
	}
	return res, nil
}

// WriteFileParams are the parameters of fs.writeFile.
type WriteFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileResult is the result of fs.writeFile.
type WriteFileResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

func (l *Local) writeFile(p WriteFileParams) (WriteFileResult, error) {
	if p.Path == "" {
		return WriteFileResult{}, domain.NewDomainError("Local.writeFile", domain.ErrInvalidInput, "path is required")
	}
	path, err := l.sandbox.Resolve(p.Path)
	if err != nil {
		return WriteFileResult{}, err
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return WriteFileResult{}, fmt.Errorf("write file: %w", err)
	}
	l.logger.Debug("bridge write", "path", path, "size", len(p.Content))
	return WriteFileResult{Path: l.sandbox.Rel(path), Bytes: len(p.Content)}, nil
}

// RunCommandParams are the parameters of process.run.
type RunCommandParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
}

// RunCommandResult is the result of process.run. A non-zero exit code is
// reported in ExitCode rather than as an error.
type RunCommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

func (l *Local) runCommand(ctx context.Context, p RunCommandParams) (RunCommandResult, error) {
	base := filepath.Base(p.Command)
	if p.Command == "" || !l.allowed[base] || base != p.Command {
		return RunCommandResult{}, domain.NewDomainError("Local.runCommand", domain.ErrCommandNotAllowed,
			fmt.Sprintf("command %q not in allowlist", p.Command))
	}
	dir, err := l.sandbox.Resolve(p.WorkDir)
	if err != nil {
		return RunCommandResult{}, err
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = dir
	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxCommandOutputSize, maxCommandOutputSize
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := RunCommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return RunCommandResult{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return RunCommandResult{}, fmt.Errorf("run %s: %w", p.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	l.logger.Debug("bridge command completed", "command", p.Command, "exit_code", res.ExitCode)
	return res, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// Package audit keeps an append-only JSONL trail of tool and task activity.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
)

// Retention bounds how much of the trail is kept. Zero fields are unlimited.
type Retention struct {
	MaxAge  time.Duration
	MaxSize int64
}

// FileLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention Retention
	now       func() time.Time
}

var _ domain.AuditLogger = (*FileLogger)(nil)

// NewFileLogger opens path for appending, creating it with 0600 permissions.
func NewFileLogger(path string, retention Retention) (*FileLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, path: path, retention: retention, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// Log writes event as a single line and mirrors it onto the active span.
func (l *FileLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	_, err = l.file.Write(append(data, '\n'))
	l.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(
			tracer.StringAttr("audit.actor", event.Actor),
			tracer.StringAttr("audit.resource", event.Resource),
			tracer.StringAttr("audit.outcome", event.Outcome),
		))
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Prune rewrites the trail keeping only entries inside the retention policy.
// Entries older than MaxAge go first, then the oldest until the file fits
// MaxSize. It returns how many entries were removed.
func (l *FileLogger) Prune(_ context.Context) (int, error) {
	if l.retention.MaxAge <= 0 && l.retention.MaxSize <= 0 {
		return 0, nil
	}
	var cutoff time.Time
	if l.retention.MaxAge > 0 {
		cutoff = l.now().Add(-l.retention.MaxAge)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return 0, fmt.Errorf("close for prune: %w", err)
	}
	kept, removed, err := l.filter(cutoff)
	if err == nil && removed > 0 {
		err = l.rewrite(kept)
	}
	f, openErr := openAppend(l.path)
	if openErr != nil {
		return 0, fmt.Errorf("reopen audit log: %w", openErr)
	}
	l.file = f
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (l *FileLogger) filter(cutoff time.Time) ([][]byte, int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for prune: %w", err)
	}
	defer f.Close()

	var (
		kept    [][]byte
		size    int64
		removed int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for limit := l.retention.MaxSize; limit > 0 && size > limit && len(kept) > 0; {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	return kept, removed, nil
}

func (l *FileLogger) rewrite(kept [][]byte) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

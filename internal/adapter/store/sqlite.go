// Package store archives terminal task snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentdispatch/internal/domain"
)

// SQLiteTaskStore implements domain.TaskStore using SQLite. The full snapshot
// is stored as JSON; status and timestamps are duplicated into columns for
// listing and pruning.
type SQLiteTaskStore struct {
	db *sql.DB
}

var _ domain.TaskStore = (*SQLiteTaskStore)(nil)

// NewSQLiteTaskStore opens (or creates) a SQLite database at dsn and runs the
// schema migration. ":memory:" gives a private in-memory archive.
func NewSQLiteTaskStore(dsn string) (*SQLiteTaskStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task archive: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task archive: %w", err)
	}
	return &SQLiteTaskStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			snapshot        TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			ended_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_ended_at ON tasks (ended_at);
		CREATE INDEX IF NOT EXISTS tasks_conversation ON tasks (conversation_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the snapshot for t.ID.
func (s *SQLiteTaskStore) Save(ctx context.Context, t *domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, conversation_id, agent_id, status, snapshot, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status   = excluded.status,
			snapshot = excluded.snapshot,
			ended_at = excluded.ended_at`,
		t.ID, t.ConversationID, t.AgentID, string(t.Status), string(data),
		formatTime(t.CreatedAt), formatTime(t.EndTime),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the archived snapshot or domain.ErrTaskNotFound.
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM tasks WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return decode(data)
}

// ByConversation returns archived tasks of one conversation, oldest first.
func (s *SQLiteTaskStore) ByConversation(ctx context.Context, conversationID string) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT snapshot FROM tasks WHERE conversation_id = ? ORDER BY created_at, id", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decode(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Prune deletes snapshots of tasks that ended before cutoff.
func (s *SQLiteTaskStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE ended_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func decode(data string) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	return &t, nil
}

// formatTime uses a fixed-width layout so text comparison orders by time.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

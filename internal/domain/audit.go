package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolExec      AuditEventType = "tool_exec"
	AuditToolCacheHit  AuditEventType = "tool_cache_hit"
	AuditRateLimited   AuditEventType = "rate_limited"
	AuditTaskSubmitted AuditEventType = "task_submitted"
	AuditTaskFinished  AuditEventType = "task_finished"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	TaskID    string            `json:"taskId,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

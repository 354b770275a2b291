package domain

import "context"

type ctxKey string

const (
	callerCtxKey    ctxKey = "caller"
	requestIDCtxKey ctxKey = "request_id"
	taskCtxKey      ctxKey = "task_id"
)

// ContextWithCaller returns a new context carrying the tool caller.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey, c)
}

// CallerFromContext extracts the caller. The zero Caller is returned if unset.
func CallerFromContext(ctx context.Context) Caller {
	if v, ok := ctx.Value(callerCtxKey).(Caller); ok {
		return v
	}
	return Caller{}
}

// ContextWithRequestID returns a new context carrying the HTTP request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestIDFromContext extracts the request ID, or "" if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTaskID returns a new context carrying the task ID.
func ContextWithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey, id)
}

// TaskIDFromContext extracts the task ID, or "" if not set.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey).(string); ok {
		return v
	}
	return ""
}

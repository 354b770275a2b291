package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
)

const defaultToolTimeout = 30 * time.Second

// Executor runs tool calls through validation, the result cache, the rate
// limiter and a per-call deadline. It implements domain.ToolInvoker.
type Executor struct {
	registry       *Registry
	limiter        *RateLimiter
	cache          Cache
	bus            domain.EventBus
	logger         *slog.Logger
	defaultTimeout time.Duration
	flight         singleflight.Group

	calls       atomic.Int64
	failures    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEventBus publishes tool.* events on bus.
func WithEventBus(bus domain.EventBus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithDefaultTimeout sets the deadline for tools that declare none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// NewExecutor creates an executor. cache may be nil to disable caching.
func NewExecutor(registry *Registry, limiter *RateLimiter, cache Cache, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		limiter:        limiter,
		cache:          cache,
		logger:         logger,
		defaultTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Calls       int64 `json:"calls"`
	Failures    int64 `json:"failures"`
	CacheHits   int64 `json:"cacheHits"`
	CacheMisses int64 `json:"cacheMisses"`
	RateLimited int64 `json:"rateLimited"`
}

// Stats returns current counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Calls:       e.calls.Load(),
		Failures:    e.failures.Load(),
		CacheHits:   e.cacheHits.Load(),
		CacheMisses: e.cacheMisses.Load(),
		RateLimited: e.limiter.Rejected(),
	}
}

// Definition implements domain.ToolInvoker.
func (e *Executor) Definition(name string) (domain.ToolDefinition, bool) {
	return e.registry.Definition(name)
}

// Definitions lists registered tools in registration order.
func (e *Executor) Definitions() []domain.ToolDefinition {
	return e.registry.Definitions()
}

// Schemas implements domain.ToolInvoker.
func (e *Executor) Schemas(names ...string) []domain.ToolSchema {
	return e.registry.Schemas(names...)
}

// Invoke runs one tool call. The returned result is never nil: on failure it
// has Success=false with Error and Code set, and the error is returned as well
// so callers can branch on it.
func (e *Executor) Invoke(ctx context.Context, name string, input json.RawMessage, caller domain.Caller) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.invoke",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", name),
			tracer.StringAttr("tool.caller", caller.ID),
		),
	)
	defer span.End()

	start := time.Now()
	e.calls.Add(1)

	res, err := e.invoke(ctx, name, input, caller)
	res.Tool = name
	if res.ExecutionTimeMs == 0 && !res.Cached {
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
	}

	span.SetAttributes(tracer.BoolAttr("tool.cached", res.Cached))
	if err != nil {
		e.failures.Add(1)
		res.Success = false
		res.Error = err.Error()
		res.Code = domain.ErrorCodeOf(err)
		if d, ok := domain.RetryAfterOf(err); ok {
			res.RetryAfterMs = d.Milliseconds()
		}
		tracer.RecordError(span, err)
		e.logger.Debug("tool call failed", "tool", name, "caller", caller.ID, "code", res.Code, "error", err)
	} else {
		tracer.SetOK(span)
	}

	e.publish(ctx, domain.EventToolCallCompleted, domain.ToolCallEventPayload{
		Tool:       name,
		Caller:     caller.ID,
		Success:    res.Success,
		Cached:     res.Cached,
		DurationMs: res.ExecutionTimeMs,
		Code:       res.Code,
	})
	return res, err
}

func (e *Executor) invoke(ctx context.Context, name string, input json.RawMessage, caller domain.Caller) (*domain.ToolResult, error) {
	res := &domain.ToolResult{}

	entry, err := e.registry.lookup(name)
	if err != nil {
		return res, err
	}
	def := entry.def

	if !caller.CanInvoke(def.Permission) {
		return res, domain.NewSubSystemError("tool", "Executor.Invoke", domain.ErrPermissionDenied,
			fmt.Sprintf("tool %q requires %s", name, def.Permission))
	}

	if err := e.validate(entry, input); err != nil {
		return res, domain.NewSubSystemError("tool", "Executor.Invoke", domain.ErrValidation, err.Error())
	}

	var key string
	useCache := def.Cacheable && e.cache != nil
	if useCache {
		key = CacheKey(name, input)
		if out, ok := e.cache.Get(ctx, key); ok {
			e.cacheHits.Add(1)
			e.publish(ctx, domain.EventToolCacheHit, domain.ToolCallEventPayload{Tool: name, Caller: caller.ID, Success: true, Cached: true})
			res.Success, res.Output, res.Cached = true, out, true
			return res, nil
		}
		e.cacheMisses.Add(1)
	}

	if err := e.limiter.CheckLimit(name, def.RateLimit, caller.ID); err != nil {
		e.publish(ctx, domain.EventToolRateLimited, domain.ToolCallEventPayload{Tool: name, Caller: caller.ID, Code: domain.CodeRateLimit})
		return res, err
	}

	e.publish(ctx, domain.EventToolCallStarted, domain.ToolCallEventPayload{Tool: name, Caller: caller.ID})

	start := time.Now()
	var out json.RawMessage
	if useCache {
		out, err = e.shared(ctx, key, entry, input)
	} else {
		out, err = e.run(ctx, entry, input)
	}
	res.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		return res, err
	}

	res.Success, res.Output = true, out
	return res, nil
}

// shared runs a cacheable call at most once per key at a time. The execution
// is detached from the cancellation of whichever caller started it and is
// bounded by the tool timeout alone; every caller waits under its own ctx.
// A successful result is cached even when all callers have left.
func (e *Executor) shared(ctx context.Context, key string, entry *registered, input json.RawMessage) (json.RawMessage, error) {
	detached := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (any, error) {
		out, err := e.run(detached, entry, input)
		if err == nil {
			e.cache.Set(detached, key, out, entry.def.CacheTTL)
		}
		return out, err
	})
	select {
	case r := <-ch:
		out, _ := r.Val.(json.RawMessage)
		return out, r.Err
	case <-ctx.Done():
		return nil, e.classify(entry.def.Name, ctx, ctx.Err())
	}
}

func (e *Executor) validate(entry *registered, input json.RawMessage) error {
	if len(input) > 0 && !json.Valid(input) {
		return errors.New("input is not valid JSON")
	}
	if entry.validator != nil {
		if err := entry.validator.Validate(input); err != nil {
			return err
		}
	}
	if v, ok := entry.tool.(domain.Validator); ok {
		return v.Validate(input)
	}
	return nil
}

type runResult struct {
	out json.RawMessage
	err error
}

// run executes the tool under its deadline. On timeout the context passed to
// the tool is cancelled and whatever it returns later is dropped.
func (e *Executor) run(ctx context.Context, entry *registered, input json.RawMessage) (json.RawMessage, error) {
	timeout := entry.def.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("%w: panic: %v", domain.ErrToolExecution, r)}
			}
		}()
		out, err := entry.tool.Execute(runCtx, input)
		done <- runResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, e.classify(entry.def.Name, runCtx, r.err)
		}
		if len(r.out) == 0 {
			r.out = json.RawMessage("null")
		}
		return r.out, nil
	case <-runCtx.Done():
		return nil, e.classify(entry.def.Name, runCtx, runCtx.Err())
	}
}

func (e *Executor) classify(name string, runCtx context.Context, err error) error {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrToolExecution):
		return domain.NewSubSystemError("tool", "Executor.Invoke", domain.ErrToolTimeout, name)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, domain.ErrToolExecution),
		errors.Is(err, domain.ErrPathOutsideSandbox),
		errors.Is(err, domain.ErrCommandNotAllowed),
		errors.Is(err, domain.ErrInvalidInput):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrToolExecution, name, err)
	}
}

func (e *Executor) publish(ctx context.Context, t domain.EventType, payload domain.ToolCallEventPayload) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, domain.TaskIDFromContext(ctx), payload))
}

// SweepLimiter evicts rate limiter entries idle for longer than idle.
func (e *Executor) SweepLimiter(idle time.Duration) int { return e.limiter.Sweep(idle) }

// PurgeCache drops expired cache entries.
func (e *Executor) PurgeCache(ctx context.Context) int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Purge(ctx)
}

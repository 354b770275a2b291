// Package orchestrator runs tasks: each task is an iterate-until-done loop in
// which the selected agent either answers or asks for tool calls, which are
// executed and fed back.
package orchestrator

import (
	"context"
	crand "crypto/rand"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"agentdispatch/internal/domain"
)

// Dispatcher selects agents and streams their answers with load accounting.
type Dispatcher interface {
	Select(req domain.RouteRequest) (domain.Selection, error)
	DispatchStream(ctx context.Context, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions) (<-chan domain.StreamChunk, error)
}

// Config holds task policy.
type Config struct {
	MaxIterations     int
	AntiLoopThreshold int
	EventBuffer       int
	Retention         time.Duration
	MaxConcurrent     int
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.AntiLoopThreshold <= 0 {
		c.AntiLoopThreshold = 3
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
}

// Deps are the manager's collaborators. Store, Bus, and Counters are optional.
type Deps struct {
	Router   Dispatcher
	Tools    domain.ToolInvoker
	Store    domain.TaskStore
	Bus      domain.EventBus
	Counters func() domain.Counters
	Logger   *slog.Logger
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Input          string
	Context        string
	ConversationID string
	Caller         domain.Caller
	Options        domain.TaskOptions
	History        []domain.Message
}

type taskEntry struct {
	mu      sync.Mutex
	task    *domain.Task
	sel     domain.Selection
	history []domain.Message
	cancel  context.CancelFunc
	events  *eventLog
	done    chan struct{}
}

func (e *taskEntry) snapshot() *domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

// Manager owns every live task. Terminal tasks stay in memory for the
// retention period and in the archive store, when one is configured.
type Manager struct {
	cfg    Config
	deps   Deps
	sem    chan struct{}
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

// NewManager creates a task manager.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: deps.Logger,
		now:    time.Now,
		tasks:  make(map[string]*taskEntry),
	}
}

// Submit selects an agent for the task and starts it in the background. The
// returned snapshot is pending; progress is observed through Subscribe or Get.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, domain.Selection, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, domain.Selection{}, domain.NewSubSystemError("task", "Manager.Submit", domain.ErrInvalidInput, "empty task input")
	}
	if err := compileOutputSchema(req.Options.OutputSchema); err != nil {
		return nil, domain.Selection{}, err
	}

	sel, err := m.deps.Router.Select(domain.RouteRequest{
		Message:      req.Input,
		AgentID:      req.Options.AgentID,
		Capabilities: req.Options.Capabilities,
		Strategy:     req.Options.Strategy,
	})
	if err != nil {
		return nil, domain.Selection{}, err
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	now := m.now()
	task := &domain.Task{
		ID:             newID(now),
		ConversationID: convID,
		AgentID:        sel.Agent.ID,
		Strategy:       sel.Strategy,
		Input:          req.Input,
		Context:        req.Context,
		Caller:         req.Caller,
		Options:        req.Options,
		Status:         domain.TaskPending,
		Progress:       domain.Progress{Total: m.maxIterations(req.Options, sel.Agent), Message: "queued"},
		CreatedAt:      now,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = domain.ContextWithTaskID(runCtx, task.ID)
	runCtx = domain.ContextWithCaller(runCtx, req.Caller)
	e := &taskEntry{
		task:    task,
		sel:     sel,
		history: req.History,
		cancel:  cancel,
		events:  newEventLog(m.cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[task.ID] = e
	m.mu.Unlock()

	m.publish(ctx, domain.EventTaskSubmitted, task.ID, task)
	m.logger.Info("task submitted",
		"task_id", task.ID,
		"agent_id", sel.Agent.ID,
		"strategy", string(sel.Strategy),
	)

	snap := task.Clone()
	go m.run(runCtx, e)
	return snap, sel, nil
}

// Get returns a task snapshot from memory or, after GC, from the archive.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Task, error) {
	if e, ok := m.entry(id); ok {
		return e.snapshot(), nil
	}
	if m.deps.Store != nil {
		t, err := m.deps.Store.Get(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, domain.NewSubSystemError("task", "Manager.Get", domain.ErrTaskNotFound, id)
}

// Cancel requests cooperative cancellation and waits until the task is
// terminal or ctx ends. Cancelling a finished task is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	e, ok := m.entry(id)
	if !ok {
		return m.Get(ctx, id)
	}
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.snapshot(), nil
}

// Subscribe streams the task's events: retained history first, then live
// events. The channel closes right after the final event or when ctx ends.
// Archived tasks yield their final event only.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan domain.TaskEvent, error) {
	if e, ok := m.entry(id); ok {
		return e.events.follow(ctx, m.cfg.EventBuffer), nil
	}
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.TaskEvent, 1)
	out <- finalEvent(t, 1)
	close(out)
	return out, nil
}

// Wait blocks until the task is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*domain.Task, error) {
	e, ok := m.entry(id)
	if !ok {
		return m.Get(ctx, id)
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots of in-memory tasks, newest first.
func (m *Manager) List() []*domain.Task {
	m.mu.Lock()
	entries := make([]*taskEntry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]*domain.Task, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GC drops terminal tasks that ended more than the retention period ago.
func (m *Manager) GC() int {
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.tasks {
		e.mu.Lock()
		expired := e.task.Status.Terminal() && e.task.EndTime.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("task gc", "removed", removed)
	}
	return removed
}

// Stop cancels every running task and waits for them to finish or ctx to end.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*taskEntry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of tasks held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manager) entry(id string) (*taskEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	return e, ok
}

func (m *Manager) maxIterations(opts domain.TaskOptions, agent domain.AgentDescriptor) int {
	switch {
	case opts.MaxIterations > 0:
		return opts.MaxIterations
	case agent.Config.MaxIterations > 0:
		return agent.Config.MaxIterations
	default:
		return m.cfg.MaxIterations
	}
}

func (m *Manager) counters() *domain.Counters {
	if m.deps.Counters == nil {
		return nil
	}
	c := m.deps.Counters()
	return &c
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, taskID string, payload any) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(ctx, domain.NewEvent(t, taskID, payload))
	}
}

func finalEvent(t *domain.Task, seq uint64) domain.TaskEvent {
	return domain.TaskEvent{
		Seq:       seq,
		Type:      domain.TaskEventStatus,
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Result:    t.Result,
		Error:     t.Error,
		Reason:    t.Reason,
		Warning:   t.Warning,
		Final:     true,
		Timestamp: t.EndTime,
	}
}

// idEntropy is shared by every identifier so that ids minted within the same
// millisecond still differ. MonotonicEntropy is not safe for concurrent use.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(crand.Reader, 0)
)

// newID returns a unique, time-ordered task or call identifier.
func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), idEntropy)
	if err != nil {
		// Monotonic entropy exhausted within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}

package multiagent

import (
	"context"
	"log/slog"
	"sync"

	"agentdispatch/internal/domain"
)

// WorkerFactory builds the worker for one descriptor.
type WorkerFactory func(ctx context.Context, desc domain.AgentDescriptor) (domain.Worker, error)

// Registry holds the available agents in registration order.
// Initialize runs the configured factory exactly once.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]domain.Worker
	order   []string

	defs    []domain.AgentDescriptor
	factory WorkerFactory
	once    sync.Once
	initErr error

	logger *slog.Logger
}

// NewRegistry creates a registry that will build defs with factory on
// Initialize. Both may be empty when agents are registered directly.
func NewRegistry(defs []domain.AgentDescriptor, factory WorkerFactory, logger *slog.Logger) *Registry {
	return &Registry{
		workers: make(map[string]domain.Worker),
		defs:    defs,
		factory: factory,
		logger:  logger,
	}
}

// Initialize builds every configured agent. It is idempotent: the first call
// does the work and every caller observes the same result. An agent whose
// setup fails is logged and skipped; Initialize fails only when no agent is
// available afterwards.
func (r *Registry) Initialize(ctx context.Context) error {
	r.once.Do(func() {
		for _, def := range r.defs {
			if err := ctx.Err(); err != nil {
				r.initErr = err
				return
			}
			w, err := r.factory(ctx, def)
			if err != nil {
				r.logger.Error("agent setup failed", "agent_id", def.ID, "error", err)
				continue
			}
			if err := r.Register(w); err != nil {
				r.logger.Error("agent registration failed", "agent_id", def.ID, "error", err)
			}
		}
		if r.Len() == 0 {
			r.initErr = domain.NewSubSystemError("agent", "Registry.Initialize", domain.ErrNoAgentsAvailable, "")
		}
	})
	return r.initErr
}

// Register adds a worker. Returns ErrDuplicate if the ID is taken.
func (r *Registry) Register(w domain.Worker) error {
	id := w.Descriptor().ID
	if id == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "empty agent id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[id]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, id)
	}
	r.workers[id] = w
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent_id", id, "capabilities", w.Descriptor().Capabilities.List())
	return nil
}

// Get returns the worker for id, or ErrAgentNotFound.
func (r *Registry) Get(id string) (domain.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrAgentNotFound, id)
	}
	return w, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[id]
	return ok
}

// GetAll returns every worker in registration order.
func (r *Registry) GetAll() []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Worker, len(r.order))
	for i, id := range r.order {
		out[i] = r.workers[id]
	}
	return out
}

// Descriptors returns every agent descriptor in registration order.
func (r *Registry) Descriptors() []domain.AgentDescriptor {
	all := r.GetAll()
	out := make([]domain.AgentDescriptor, len(all))
	for i, w := range all {
		out[i] = w.Descriptor()
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

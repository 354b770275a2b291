package tool

import (
	"fmt"
	"log/slog"
	"sync"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// Registry holds named tools with their effective definitions.
// Definitions are fixed at registration; configured overrides are applied then.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registered
	order     []string
	overrides map[string]config.ToolOverride
	logger    *slog.Logger
}

type registered struct {
	tool      domain.Tool
	def       domain.ToolDefinition
	validator *SchemaValidator
}

// NewRegistry creates an empty tool registry. overrides may be nil.
func NewRegistry(overrides map[string]config.ToolOverride, logger *slog.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*registered),
		overrides: overrides,
		logger:    logger,
	}
}

// Register adds a tool. Returns error if name already registered.
// A tool disabled by configuration is skipped without error. If the tool's
// schema does not compile, it is registered without schema validation and a
// warning is logged.
func (r *Registry) Register(t domain.Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "tool name is empty")
	}

	o, hasOverride := r.overrides[def.Name]
	if hasOverride && o.Disabled {
		r.logger.Info("tool disabled by config", "tool", def.Name)
		return nil
	}
	if hasOverride {
		def = applyOverride(def, o)
	}

	validator, err := NewSchemaValidator(def)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", def.Name, "error", err)
		validator = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate,
			fmt.Sprintf("tool %q already registered", def.Name))
	}
	r.entries[def.Name] = &registered{tool: t, def: def, validator: validator}
	r.order = append(r.order, def.Name)
	r.logger.Debug("tool registered", "tool", def.Name, "permission", def.Permission,
		"cacheable", def.Cacheable, "parallel", def.SupportsParallel)
	return nil
}

func applyOverride(def domain.ToolDefinition, o config.ToolOverride) domain.ToolDefinition {
	if o.Timeout > 0 {
		def.Timeout = o.Timeout
	}
	if o.CacheTTL > 0 {
		def.CacheTTL = o.CacheTTL
	}
	switch {
	case o.Unlimited:
		def.RateLimit = nil
	case o.MaxCalls > 0:
		def.RateLimit = &domain.RateLimit{MaxCalls: o.MaxCalls, Window: o.Window}
	}
	return def
}

func (r *Registry) lookup(name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, domain.NewSubSystemError("tool", "Registry.Get", domain.ErrToolNotFound, name)
	}
	return e, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.tool, nil
}

// Definition returns the effective definition of a tool.
func (r *Registry) Definition(name string) (domain.ToolDefinition, bool) {
	e, err := r.lookup(name)
	if err != nil {
		return domain.ToolDefinition{}, false
	}
	return e.def, true
}

// Definitions returns all effective definitions in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Schemas returns function-calling schemas for the named tools, or for all
// tools when names is empty. Unknown names are skipped.
func (r *Registry) Schemas(names ...string) []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = r.order
	}
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if e, ok := r.entries[name]; ok {
			schemas = append(schemas, e.def.Schema())
		}
	}
	return schemas
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

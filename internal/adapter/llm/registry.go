package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
	order     []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewSubSystemError("llm", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewSubSystemError("llm", "Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Breakers returns the circuit state of every wrapped provider, keyed by name.
func (r *Registry) Breakers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for name, p := range r.providers {
		if cb, ok := p.(*CircuitBreakerProvider); ok {
			out[name] = cb.State().String()
		}
	}
	return out
}

// NewProvider constructs the provider described by cfg.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "scripted":
		return newScriptedFromConfig(cfg, logger)
	default:
		return nil, fmt.Errorf("llm provider %q: unknown type %q", cfg.Name, cfg.Type)
	}
}

// BuildRegistry constructs every configured provider, wrapping network
// providers in a circuit breaker when enabled.
func BuildRegistry(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if cfg.CircuitBreaker.Enabled && pc.Type != "scripted" {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		logger.Info("llm provider registered", "name", pc.Name, "type", pc.Type, "model", pc.Model)
	}
	return reg, nil
}

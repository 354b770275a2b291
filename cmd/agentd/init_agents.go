package main

import (
	"context"
	"fmt"
	"log/slog"

	"agentdispatch/internal/adapter/llm"
	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/usecase/multiagent"
)

// AgentComponents holds providers, the agent registry, and the router.
type AgentComponents struct {
	Providers *llm.Registry
	Registry  *multiagent.Registry
	Router    *multiagent.Router
}

func initAgents(ctx context.Context, cfg *config.Config, tools *ToolComponents, bus domain.EventBus, log *slog.Logger) (*AgentComponents, error) {
	providers, err := llm.BuildRegistry(cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	descs := multiagent.DescriptorsFromConfig(*cfg)
	registry := multiagent.NewRegistry(descs, multiagent.NewWorkerFactory(providers, tools.Executor, log), log)
	if err := registry.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	return &AgentComponents{
		Providers: providers,
		Registry:  registry,
		Router:    multiagent.NewRouter(registry, cfg.Agents.Default, bus, log),
	}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"agentdispatch/internal/adapter/hostbridge"
	"agentdispatch/internal/adapter/tool"
	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// ToolComponents holds the tool registry and the executor in front of it.
type ToolComponents struct {
	Registry *tool.Registry
	Executor *tool.Executor
	MCP      *tool.MCPBridge // nil without MCP servers
}

// initTools registers the built-in host tools and any MCP tools, then builds
// the executor with its cache and rate limiter.
func initTools(ctx context.Context, cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*ToolComponents, func(), error) {
	bridge, err := hostbridge.NewLocal(cfg.Tools.SandboxRoot, cfg.Tools.AllowedCommands, log)
	if err != nil {
		return nil, nil, fmt.Errorf("host bridge: %w", err)
	}

	reg := tool.NewRegistry(cfg.Tools.Overrides, log)
	for _, t := range tool.BuiltinTools(bridge) {
		if err := reg.Register(t); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", t.Definition().Name, err)
		}
	}

	comp := &ToolComponents{Registry: reg}
	if len(cfg.Tools.MCPServers) > 0 {
		b, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mcp: %w", err)
		}
		n := b.RegisterAll(reg)
		log.Info("mcp tools registered", "count", n, "servers", len(cfg.Tools.MCPServers))
		comp.MCP = b
	}

	cache, err := tool.NewCache(cfg.Tools.Cache, log)
	if err != nil {
		comp.close()
		return nil, nil, fmt.Errorf("tool cache: %w", err)
	}

	comp.Executor = tool.NewExecutor(reg, tool.NewRateLimiter(), cache, log,
		tool.WithEventBus(bus),
		tool.WithDefaultTimeout(cfg.Tools.DefaultTimeout),
	)
	return comp, comp.close, nil
}

func (c *ToolComponents) close() {
	if c.MCP != nil {
		c.MCP.Close()
	}
}

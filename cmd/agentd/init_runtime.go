package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentdispatch/internal/adapter/audit"
	"agentdispatch/internal/adapter/gateway"
	"agentdispatch/internal/adapter/natsbus"
	"agentdispatch/internal/adapter/store"
	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/usecase/eventbus"
	"agentdispatch/internal/usecase/orchestrator"
	"agentdispatch/internal/usecase/scheduling"
)

// RuntimeComponents holds the long-running parts of the service.
type RuntimeComponents struct {
	Manager   *orchestrator.Manager
	Audit     *audit.FileLogger      // nil without an audit path
	Recorder  *audit.Recorder
	Store     *store.SQLiteTaskStore // nil without an archive path
	Mirror    *natsbus.Mirror        // nil unless NATS is enabled
	Scheduler *scheduling.Scheduler  // nil when disabled
	Gateway   *gateway.Server
}

// initRuntime builds the audit trail, the task manager and its archive, the
// NATS mirror, the maintenance scheduler, and the gateway. The returned cleanup stops them in
// reverse order.
func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	tools *ToolComponents,
	agents *AgentComponents,
	bus *eventbus.Bus,
	log *slog.Logger,
) (*RuntimeComponents, func(context.Context) error, error) {
	auth, err := gateway.NewAuthenticator(cfg.Gateway.Auth)
	if err != nil {
		return nil, nil, err
	}
	comp := &RuntimeComponents{}

	if cfg.Audit.Path != "" {
		l, err := audit.NewFileLogger(cfg.Audit.Path, audit.Retention{
			MaxAge:  cfg.Audit.MaxAge,
			MaxSize: int64(cfg.Audit.MaxSizeMB) << 20,
		})
		if err != nil {
			return nil, nil, err
		}
		comp.Audit = l
		comp.Recorder = audit.Attach(bus, l, log)
		log.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	counters := func() domain.Counters {
		rs := agents.Router.Stats()
		es := tools.Executor.Stats()
		return domain.Counters{
			RoutedTotal:    rs.TotalRouted,
			ActiveRequests: agents.Router.Active(),
			CacheHits:      es.CacheHits,
			CacheMisses:    es.CacheMisses,
			RateLimited:    es.RateLimited,
			ToolCalls:      es.Calls,
		}
	}

	deps := orchestrator.Deps{
		Router:   agents.Router,
		Tools:    tools.Executor,
		Bus:      bus,
		Counters: counters,
		Logger:   log,
	}
	if cfg.Tasks.ArchivePath != "" {
		st, err := store.NewSQLiteTaskStore(cfg.Tasks.ArchivePath)
		if err != nil {
			comp.closeAudit(log)
			return nil, nil, fmt.Errorf("task archive: %w", err)
		}
		comp.Store = st
		deps.Store = st
		log.Info("task archive opened", "path", cfg.Tasks.ArchivePath)
	}
	comp.Manager = orchestrator.NewManager(orchestrator.Config{
		MaxIterations:     cfg.Tasks.MaxIterations,
		AntiLoopThreshold: cfg.Tasks.AntiLoopThreshold,
		EventBuffer:       cfg.Tasks.EventBuffer,
		Retention:         cfg.Tasks.Retention,
		MaxConcurrent:     cfg.Tasks.MaxConcurrent,
	}, deps)

	if cfg.Bus.NATS.Enabled {
		m, err := natsbus.Open(cfg.Bus.NATS, log)
		if err != nil {
			comp.closeStore(log)
			comp.closeAudit(log)
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		m.Attach(bus)
		comp.Mirror = m
	}

	if cfg.Scheduler.Enabled {
		s := scheduling.NewScheduler(log)
		m := scheduling.Maintenance{
			SweepLimiter: func(context.Context) (int, error) {
				return tools.Executor.SweepLimiter(cfg.Tools.IdleEviction), nil
			},
			PurgeCache: func(ctx context.Context) (int, error) {
				return tools.Executor.PurgeCache(ctx), nil
			},
			CollectTasks: func(ctx context.Context) (int, error) {
				n := comp.Manager.GC()
				if comp.Store == nil || cfg.Tasks.ArchiveRetention <= 0 {
					return n, nil
				}
				pruned, err := comp.Store.Prune(ctx, time.Now().Add(-cfg.Tasks.ArchiveRetention))
				return n + int(pruned), err
			},
		}
		if comp.Audit != nil {
			m.PruneAudit = comp.Audit.Prune
		}
		err := scheduling.Install(s, cfg.Scheduler, m)
		if err == nil {
			err = s.Start(ctx)
		}
		if err != nil {
			comp.closeMirror(log)
			comp.closeStore(log)
			comp.closeAudit(log)
			return nil, nil, fmt.Errorf("scheduler: %w", err)
		}
		comp.Scheduler = s
	}

	comp.Gateway = gateway.NewServer(cfg.Gateway, gateway.Deps{
		Tasks:    comp.Manager,
		Router:   agents.Router,
		Agents:   agents.Registry,
		Tools:    tools.Executor,
		Bus:      bus,
		Counters: counters,
		Features: map[string]bool{
			"archive":   comp.Store != nil,
			"audit":     comp.Audit != nil,
			"nats":      comp.Mirror != nil,
			"scheduler": comp.Scheduler != nil,
			"mcp":       tools.MCP != nil,
			"redis":     cfg.Tools.Cache.Backend == "redis",
		},
		Version: version,
		Logger:  log,
	}, auth)

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := comp.Gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if comp.Scheduler != nil {
			if err := comp.Scheduler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}
		comp.Manager.Stop(ctx)
		comp.closeMirror(log)
		comp.closeStore(log)
		comp.closeAudit(log)
		return errors.Join(errs...)
	}
	return comp, cleanup, nil
}

func (c *RuntimeComponents) closeMirror(log *slog.Logger) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.Close(); err != nil {
		log.Warn("nats mirror close failed", "error", err)
	}
}

func (c *RuntimeComponents) closeStore(log *slog.Logger) {
	if c.Store == nil {
		return
	}
	if err := c.Store.Close(); err != nil {
		log.Warn("task archive close failed", "error", err)
	}
}

func (c *RuntimeComponents) closeAudit(log *slog.Logger) {
	if c.Audit == nil {
		return
	}
	c.Recorder.Detach()
	if err := c.Audit.Close(); err != nil {
		log.Warn("audit log close failed", "error", err)
	}
}

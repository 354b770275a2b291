package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/logger"
	"agentdispatch/internal/infra/tracer"
	"agentdispatch/internal/usecase/eventbus"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "agentd.yaml", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}

	bus := eventbus.New(log)

	tools, cleanupTools, err := initTools(ctx, cfg, bus, log)
	if err != nil {
		return err
	}
	agents, err := initAgents(ctx, cfg, tools, bus, log)
	if err != nil {
		cleanupTools()
		return err
	}
	rt, cleanupRuntime, err := initRuntime(ctx, cfg, tools, agents, bus, log)
	if err != nil {
		cleanupTools()
		return err
	}

	log.Info("agentd starting",
		"version", version,
		"addr", cfg.Gateway.Addr,
		"agents", agents.Registry.Len(),
		"tools", tools.Registry.Len(),
	)

	serveErr := rt.Gateway.Start(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := cleanupRuntime(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	cleanupTools()
	bus.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	log.Info("agentd stopped")
	return errors.Join(errs...)
}

// Package main assembles the CAS, Checkpoint Manager, Timeline, Process
// Registry and Hook Engine into a single long-running core process and
// runs their background loops until terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kart-io/logger"
	"golang.org/x/sync/errgroup"
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/kart-io/shannon-mcp-core/internal/cas"
	"github.com/kart-io/shannon-mcp-core/internal/checkpoint"
	"github.com/kart-io/shannon-mcp-core/internal/config"
	"github.com/kart-io/shannon-mcp-core/internal/hooks"
	"github.com/kart-io/shannon-mcp-core/internal/registry"
	"github.com/kart-io/shannon-mcp-core/internal/timeline"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "./data", "root directory for the CAS store, registry database, and hook definitions")
		configPath = flag.String("config", "", "optional config file (see internal/config)")
	)
	flag.Parse()

	if err := run(*dataDir, *configPath); err != nil {
		logger.Errorw("shannon-mcp-core: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(dataDir, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	casStore, err := cas.Open(filepath.Join(dataDir, "objects"), cfg.CAS.ZstdLevel)
	if err != nil {
		return err
	}

	checkpointMgr, err := checkpoint.New(filepath.Join(dataDir, "checkpoints"), casStore)
	if err != nil {
		return err
	}

	tl, err := timeline.New(filepath.Join(dataDir, "timeline"), checkpointMgr)
	if err != nil {
		return err
	}
	branches, err := tl.ListBranches()
	if err != nil {
		return err
	}
	logger.Infow("timeline: loaded", "branches", len(branches))

	storage, err := registry.Open(ctx, filepath.Join(dataDir, "registry.db"), host)
	if err != nil {
		return err
	}
	defer storage.Close()

	tracker := registry.NewTracker(storage, cfg.Registry.SampleInterval)
	validator := registry.NewValidator(storage, tracker, cfg.Registry)
	cleaner := registry.NewCleaner(storage, tracker, validator, cfg.Registry)
	monitor := registry.NewMonitor(storage, cfg.Monitor, func(alert registry.Alert) {
		logger.Warnw("registry: resource alert", "resource", alert.ResourceType, "scope", alert.Scope, "severity", alert.Severity.String(), "value", alert.Current)
	})

	hookRegistry := hooks.NewRegistry(cfg.Hooks.HotReloadDebounce)
	if err := hookRegistry.LoadDirectory(filepath.Join(dataDir, "hooks")); err != nil {
		return err
	}

	sandbox := hooks.NewSandbox(cfg.Hooks.Sandbox, filepath.Join(dataDir, "hook-sandboxes"))
	engine, err := hooks.NewEngine(hookRegistry, sandbox, cfg.Hooks.ConcurrencyCap, cfg.Hooks.HistorySize, func(channel, level, message string, context map[string]any) {
		logger.Infow("hooks: notification", "channel", channel, "level", level, "message", message)
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	stopWatch := make(chan struct{})
	if err := hookRegistry.WatchDirectory(stopWatch); err != nil {
		logger.Warnw("hooks: directory watch disabled", "error", err)
	}
	defer close(stopWatch)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return tracker.Run(gctx)
	})
	group.Go(func() error {
		return cleaner.Run(gctx)
	})
	group.Go(func() error {
		return monitor.Run(gctx, tracker)
	})

	if _, err := engine.Trigger(gctx, hooks.TriggerSessionStart, map[string]any{"host": host}); err != nil {
		logger.Warnw("hooks: session_start trigger failed", "error", err)
	}

	logger.Infow("shannon-mcp-core: started", "data_dir", dataDir, "host", host)

	<-ctx.Done()
	logger.Infow("shannon-mcp-core: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-shutdownCtx.Done():
		logger.Warnw("shannon-mcp-core: background loops did not stop within grace period")
		return nil
	}
}

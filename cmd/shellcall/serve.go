package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/shellcall/internal/api"
	"github.com/mattjoyce/shellcall/internal/config"
	"github.com/mattjoyce/shellcall/internal/events"
	"github.com/mattjoyce/shellcall/internal/history"
	"github.com/mattjoyce/shellcall/internal/lock"
	"github.com/mattjoyce/shellcall/internal/log"
	"github.com/mattjoyce/shellcall/internal/policy"
	"github.com/mattjoyce/shellcall/internal/shell"
)

const pruneInterval = time.Hour

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "API is disabled; set api.enabled in the config to serve")
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("shellcall starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := serveLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(events.DefaultCapacity)
	opts := []shell.Option{shell.WithPublisher(hub), shell.WithLogger(log.WithComponent("shell"))}

	var reader api.HistoryReader

	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			logger.Error("failed to open history", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer store.Close()
		logger.Info("history opened", "path", cfg.History.Path)

		opts = append(opts, shell.WithRecorder(store))
		reader = store

		go pruneLoop(ctx, store, cfg.History.Retention)
	}

	guard := policy.NewGuard(shell.New(shellOptions(cfg, opts...)...), cfg.Shell.Allow)
	logger.Info("allow-list loaded", "commands", guard.Commands())

	apiConfig := api.Config{
		Listen:        cfg.API.Listen,
		APIKey:        cfg.API.Auth.APIKey,
		RateLimit:     cfg.API.RateLimit,
		Burst:         cfg.API.Burst,
		MaxConcurrent: cfg.API.MaxConcurrent,
	}
	apiServer := api.New(apiConfig, guard, guard, reader, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("shellcall running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("shellcall stopped")
	return 0
}

// serveLockPath keeps the lock next to the history database, else next to
// the config file.
func serveLockPath(cfg *config.Config) string {
	switch {
	case cfg.History.Enabled:
		return lock.PathFor(cfg.History.Path)
	case cfg.SourcePath != "":
		return lock.PathFor(cfg.SourcePath)
	default:
		return filepath.Join(os.TempDir(), "shellcall.lock")
	}
}

// pruneLoop removes expired history now and then every pruneInterval
// until ctx ends.
func pruneLoop(ctx context.Context, store *history.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	logger := log.WithComponent("history")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("history prune failed", "error", err)
		case n > 0:
			logger.Info("pruned history", "deleted", n, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Command adw-server serves the HTTP/WebSocket API over the workflow state
// store: discovery, plan retrieval, deletion, stage-event ingestion, and the
// realtime event stream the kanban frontend subscribes to.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"adw/internal/broadcast"
	"adw/internal/config"
	"adw/internal/events"
	"adw/internal/gitops"
	"adw/internal/observability"
	"adw/internal/server"
	"adw/internal/state"
	"adw/internal/worktree"
)

func main() {
	appCfg, err := config.Load()
	if err != nil {
		observability.NewComponentLogger("Server").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  appCfg.LogLevel,
		Format: appCfg.LogFormat,
	})

	var opts []state.Option
	if !appCfg.DBOnly {
		opts = append(opts, state.WithMirrorFallback(appCfg.AgentsDir))
	}
	store, err := state.Open(appCfg.DatabasePath, opts...)
	if err != nil {
		logger.Error("failed to open state store", "path", appCfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	repoDir, err := os.Getwd()
	if err != nil {
		logger.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}
	git := gitops.New(repoDir, logger.With("component", "Git"))
	worktrees := worktree.NewManager(appCfg.TreesDir, git, logger.With("component", "WorktreeManager"))

	notifier := events.NewNotifier(logger.With("component", "Notifier"))
	hub := broadcast.NewManager(logger.With("component", "Broadcast"))

	srv := server.New(appCfg, store, worktrees, git, hub, notifier, logger.With("component", "Server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

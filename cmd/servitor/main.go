// Package main runs the servitor backend: one binary serving the HTTP API,
// the SSE and WebSocket streams, and the agent subprocess registry for a
// single project repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/servitor-dev/servitor/internal/agent"
	"github.com/servitor-dev/servitor/internal/common/config"
	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/conversation"
	"github.com/servitor-dev/servitor/internal/db"
	"github.com/servitor-dev/servitor/internal/events"
	gws "github.com/servitor-dev/servitor/internal/gateway/websocket"
	"github.com/servitor-dev/servitor/internal/server"
	"github.com/servitor-dev/servitor/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "servitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	repoPath := "."
	if len(os.Args) > 1 {
		repoPath = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()
	log.Info("database opened", zap.String("driver", pool.DriverName()))

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	wsStore, err := workspace.NewSQLStore(pool)
	if err != nil {
		return err
	}
	workspaces, err := workspace.NewManager(ctx, cfg.Worktree, repoPath, wsStore, eventBus, log)
	if err != nil {
		return err
	}

	convs := conversation.NewStore(log)
	registry := agent.NewManager(log, agent.ManagerOptions{
		Interactions: convs,
		Bus:          eventBus,
	})
	registry.RegisterAdapter("claude-code", agent.NewClaudeCodeAdapter(cfg.Agent.ClaudeBinary, log))

	hub := gws.NewHub(registry, log)
	api := server.NewServer(cfg, registry, convs, workspaces, hub, log)

	log.Info("servitor starting",
		zap.String("project", workspaces.Project().Name),
		zap.String("repo", workspaces.RepoPath()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
		// Agent processes survive HTTP drain, then everything stops.
		registry.KillAll()
		return nil
	})

	err = g.Wait()
	log.Info("servitor stopped")
	return err
}

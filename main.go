package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fwdslsh/dispatch/internal/adapter/ai"
	"github.com/fwdslsh/dispatch/internal/adapter/fileeditor"
	"github.com/fwdslsh/dispatch/internal/adapter/llm"
	"github.com/fwdslsh/dispatch/internal/adapter/shell"
	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/hub"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/repository"
	"github.com/fwdslsh/dispatch/internal/service"
	handler "github.com/fwdslsh/dispatch/internal/transport/http"
	"github.com/fwdslsh/dispatch/internal/transport/ws"
	"github.com/fwdslsh/dispatch/policy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dispatch exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("starting dispatch",
		"http_port", cfg.HTTPPort,
		"db_driver", cfg.DBDriver,
		"startup_recovery", cfg.StartupRecovery,
		"ai_provider", cfg.AIProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, cfg.CompressThreshold)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	m := metrics.New()

	// Initialize policy engine
	var policyEngine *policy.Engine
	if cfg.PolicyFile != "" {
		policyEngine, err = policy.NewEngineFromFile(ctx, cfg.PolicyFile, cfg.DisabledKinds)
	} else {
		policyEngine, err = policy.NewEngine(ctx, policy.DefaultPolicy, cfg.DisabledKinds)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Fan-out hub
	viewers := hub.New(
		hub.WithLogger(logger.With("component", "hub")),
		hub.WithMetrics(m),
		hub.WithPublishTimeout(cfg.PublishTimeout),
		hub.WithSendBuffer(cfg.SendBuffer),
	)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go viewers.Run(hubCtx)

	// Initialize session manager
	manager := service.New(db, viewers,
		service.WithLogger(logger.With("component", "manager")),
		service.WithMetrics(m),
		service.WithPolicy(policyEngine),
		service.WithReplayWindow(cfg.ReplayWindow),
		service.WithAppendTimeout(cfg.AppendTimeout),
		service.WithCleanupConcurrency(cfg.CleanupConcurrency),
	)
	if err := registerAdapters(manager, cfg, logger); err != nil {
		return err
	}

	recovered, err := manager.RecoverStale(ctx, cfg.StartupRecovery == config.RecoveryResume)
	if err != nil {
		return fmt.Errorf("failed to recover stale sessions: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered stale sessions", "count", recovered, "mode", cfg.StartupRecovery)
	}

	server := handler.NewServer(handler.Options{
		Manager: manager,
		Hub:     viewers,
		WS:      ws.NewServer(cfg, viewers, manager, logger.With("component", "ws")),
		Metrics: m,
		APIKey:  cfg.APIKey,
		Logger:  logger.With("component", "http"),
	})

	serveErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("http server started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
	}

	logger.Info("shutting down dispatch")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server gracefully", "error", err)
	}
	manager.Cleanup(shutdownCtx)
	viewers.Stop()

	logger.Info("dispatch stopped")
	return nil
}

func registerAdapters(manager *service.Manager, cfg *config.Config, logger *slog.Logger) error {
	chat, err := llm.NewChatClient(cfg.AIProvider, cfg.AIBaseURL, cfg.AIAPIKey, cfg.AITimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize ai client: %w", err)
	}

	if err := manager.RegisterAdapter(domain.SessionKindShell, shell.New(shell.Config{
		Shell: cfg.ShellPath,
		Cols:  uint16(cfg.ShellCols),
		Rows:  uint16(cfg.ShellRows),
	}, logger.With("kind", domain.SessionKindShell))); err != nil {
		return err
	}
	if err := manager.RegisterAdapter(domain.SessionKindAI, ai.New(chat, ai.Config{
		Model:       cfg.AIModel,
		MaxTokens:   cfg.AIMaxTokens,
		TurnTimeout: cfg.AITurnTimeout,
	}, logger.With("kind", domain.SessionKindAI))); err != nil {
		return err
	}
	if err := manager.RegisterAdapter(domain.SessionKindFileEditor, fileeditor.New(fileeditor.Config{
		Root:        cfg.FileEditorRoot,
		MaxFileSize: cfg.FileEditorMaxSize,
	}, logger.With("kind", domain.SessionKindFileEditor))); err != nil {
		return err
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

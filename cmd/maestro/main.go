package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/scheduler"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/templates"
	"github.com/rendis/maestro/internal/tools"
	"github.com/rendis/maestro/pkg/mcp"

	apihttp "github.com/rendis/maestro/internal/api"
)

const version = "1.0.0"

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("maestro exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// MCP mode owns stdout for the protocol; logs always go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	recorder := store.NewRecorder(st, logger)
	registry := tools.NewDefaultRegistry(logger)

	exprEngine, err := expressions.NewEngine()
	if err != nil {
		return err
	}

	tplService := templates.NewService(st, exprEngine, logger)
	executor := engine.NewStepExecutor(st, recorder, registry, exprEngine, logger)
	coord := engine.NewCoordinator(st, recorder, tplService, executor, logger)

	if err := coord.Recover(ctx); err != nil {
		logger.Warn("recovery incomplete", slog.Any("error", err))
	}

	sched := scheduler.New(st, coord, cfg.schedulerTick(), logger)
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.MCPMode {
		logger.Info("maestro mcp server starting",
			slog.String("version", version),
			slog.String("db", cfg.DBPath),
		)
		mcpSrv := mcp.NewMaestroServer(version, mcp.MaestroServerDeps{
			Coordinator: coord,
			Templates:   tplService,
			Logger:      logger,
		})
		err := mcpSrv.Serve(ctx)
		shutdownCoordinator(coord, logger)
		return err
	}

	srv := apihttp.NewServer(cfg.ListenAddr, coord, tplService, logger)
	logger.Info("maestro starting",
		slog.String("version", version),
		slog.String("addr", cfg.ListenAddr),
		slog.String("db", cfg.DBPath),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		shutdownCoordinator(coord, logger)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	shutdownCoordinator(coord, logger)
	return nil
}

func shutdownCoordinator(coord *engine.Coordinator, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		logger.Warn("coordinator shutdown incomplete", slog.Any("error", err))
	}
}

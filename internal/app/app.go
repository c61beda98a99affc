// Package app assembles the Garmax backend and exposes its commands.
package app

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
	"time"

	"github.com/spf13/cobra"

	"github.com/garmaxai/backend/internal/config"
	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/handlers"
	"github.com/garmaxai/backend/internal/httpserver"
	"github.com/garmaxai/backend/internal/middleware"
)

type configLoader func() (config.Config, error)

// Run bootstraps the Garmax backend application.
func Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// NewRootCmd builds the garmax command tree.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "garmax",
		Short:         "Try-on session pipeline and credit ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, toml or json); GARMAX_* variables override it")

	load := func() (config.Config, error) { return config.LoadFile(configFile) }
	cmd.AddCommand(newServeCmd(load), newWorkerCmd(load), newMigrateCmd(load), newSeedCmd(load))
	return cmd
}

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the pipeline workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newWorkerCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline workers without the HTTP API",
		Long: `Consumes stage jobs and guidance events from the broker. Requires
GARMAX_AMQP_URL: without a broker the in-process queue only sees jobs
published by the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.AMQP.URL == "" {
				return errors.New("worker requires GARMAX_AMQP_URL")
			}
			return work(cmd.Context(), cfg)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: lvl}))
}

// connect opens the database pool. An empty URL returns a nil pool and the
// runtime falls back to in-memory stores.
func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (db.Pool, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured; sessions and credits are kept in memory")
		return nil, nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func shutdownGrace(cfg config.Config) time.Duration {
	if cfg.ShutdownGrace > 0 {
		return cfg.ShutdownGrace
	}
	return httpserver.ShutdownTimeout
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	rt, err := buildRuntime(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	runCtx, stopRuntime := context.WithCancel(context.Background())
	defer stopRuntime()
	rt.start(runCtx)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, rt.deps)

	limiter := middleware.NewIPRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst, 10*time.Minute)
	handler := middleware.RequestLogger(logger)(
		middleware.Limit(limiter, handlers.RateLimitKey, cfg.RateLimit.Window)(mux),
	)

	srv := httpserver.New(cfg.AppPort, handler)
	// Stopping the runtime closes the live hub, which ends open event streams
	// so Shutdown does not wait on them.
	srv.RegisterOnShutdown(stopRuntime)

	logger.Info("starting http server", "port", cfg.AppPort)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-srvErr:
		if runErr != nil {
			logger.Error("http server stopped", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http server: %w", err))
	}
	stopRuntime()
	if err := rt.shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func work(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	rt, err := buildRuntime(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rt.start(runCtx)
	logger.Info("pipeline workers running", "stageQueue", cfg.AMQP.StageQueue)

	<-runCtx.Done()
	logger.Info("shutting down workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace(cfg))
	defer cancel()
	return rt.shutdown(shutdownCtx)
}

// Package main is the entrypoint for the transchord API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/api"
	"github.com/kiranshivaraju/transchord/internal/api/handler"
	mw "github.com/kiranshivaraju/transchord/internal/api/middleware"
	"github.com/kiranshivaraju/transchord/internal/api/response"
	"github.com/kiranshivaraju/transchord/internal/config"
	"github.com/kiranshivaraju/transchord/internal/kv"
	"github.com/kiranshivaraju/transchord/internal/pipeline"
	"github.com/kiranshivaraju/transchord/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireAuth(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "data_dir", cfg.Storage.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	shared, err := kv.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer shared.Close()

	if err := shared.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse queue redis url: %w", err)
	}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	ledger := store.NewPostgresStore(pool)
	settings := pipeline.SettingsFromConfig(cfg)
	barrier := pipeline.NewBarrier(shared, queue, settings, nil)
	canceller := pipeline.NewCanceller(shared, inspector, barrier, ledger, settings, nil)
	svc := pipeline.NewService(queue, inspector, shared, ledger, canceller, settings, nil)

	auth := mw.NewAuth(cfg.Auth)
	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(shared, 60),

		HealthHandler: healthHandler(ledger, shared),
		TokenHandler:  handler.NewTokenHandler(auth),
		SubmitJobHandler: handler.NewSubmitJobHandler(svc, handler.UploadConfig{
			Dir:                cfg.Storage.UploadDir(),
			DefaultChunkSizeKB: cfg.Pipeline.DefaultChunkSizeKB,
			MaxChunkSizeKB:     cfg.Pipeline.MaxChunkSizeKB,
			MaxBytes:           cfg.Pipeline.MaxUploadBytes,
		}),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		DownloadHandler:  handler.NewDownloadHandler(svc),
		CancelHandler:    handler.NewCancelHandler(svc),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is anything the health check can probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and shared store connectivity.
func healthHandler(db, shared pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := shared.Ping(r.Context()); err != nil {
			checks["redis"] = "degraded"
		}

		if checks["database"] != "ok" || checks["redis"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

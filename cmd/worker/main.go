// Package main is the entrypoint for the transchord queue worker. It runs the dispatch,
// chunk and aggregate handlers and the scheduled cleanup of the shared data directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/transchord/internal/chunker"
	"github.com/kiranshivaraju/transchord/internal/config"
	"github.com/kiranshivaraju/transchord/internal/inference/provider"
	"github.com/kiranshivaraju/transchord/internal/janitor"
	"github.com/kiranshivaraju/transchord/internal/kv"
	"github.com/kiranshivaraju/transchord/internal/pipeline"
	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Storage.TempDir(), cfg.Storage.ResultsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	shared, err := kv.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer shared.Close()
	if err := shared.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	inf, err := provider.New(ctx, cfg.Inference)
	if err != nil {
		return fmt.Errorf("create inference provider: %w", err)
	}
	slog.Info("inference provider ready", "provider", inf.Name())

	redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse queue redis url: %w", err)
	}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	handlers, reaper := newPipeline(cfg, inf, shared, queue, inspector, store.NewPostgresStore(pool))

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			pipeline.QueueParent: 6,
			pipeline.QueueChunks: 4,
		},
		ShutdownTimeout: shutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			slog.Warn("task failed", "type", task.Type(), "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	sweeper := janitor.New([]string{cfg.Storage.TempDir(), cfg.Storage.UploadDir()}, cfg.Janitor.Retention, nil)
	scheduler := cron.New()
	if _, err := sweeper.Schedule(ctx, scheduler, cfg.Janitor.Schedule); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	if _, err := scheduler.AddFunc(cfg.Queue.ReapSchedule, func() {
		if n, err := reaper.Sweep(ctx); err != nil {
			slog.Warn("reap archived chunks", "settled", n, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	scheduler.Start()
	slog.Info("worker started", "concurrency", cfg.Queue.Concurrency, "janitor_schedule", cfg.Janitor.Schedule)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := sweeper.Sweep(gctx); err != nil {
			slog.Warn("initial sweep incomplete", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining tasks...")
		<-scheduler.Stop().Done()
		srv.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// newPipeline assembles the pipeline behind the queue handlers and the reaper that settles
// archived chunk tasks through the same barrier.
func newPipeline(cfg *config.Config, inf models.InferenceProvider, shared pipeline.SharedStore, queue pipeline.Enqueuer, archive pipeline.ArchiveInspector, ledger store.Store) (*pipeline.Handlers, *pipeline.Reaper) {
	settings := pipeline.SettingsFromConfig(cfg)
	barrier := pipeline.NewBarrier(shared, queue, settings, nil)
	handlers := pipeline.NewHandlers(
		pipeline.NewDispatcher(chunker.New(settings.TempDir), shared, queue, ledger, settings, nil),
		pipeline.NewWorker(inf, barrier, nil),
		pipeline.NewAggregator(shared, ledger, settings, nil),
		shared,
		nil,
	)
	return handlers, pipeline.NewReaper(archive, barrier, nil)
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"shortcut-enhancer/internal/agent"
	"shortcut-enhancer/internal/config"
	"shortcut-enhancer/internal/llm"
	"shortcut-enhancer/internal/queue"
	"shortcut-enhancer/internal/store"
	"shortcut-enhancer/internal/telemetry"
	"shortcut-enhancer/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	q := queue.NewRedisQueue(client)
	if err := q.Ping(ctx); err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	archive, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer archive.Close()
	if err := archive.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	generator, err := llm.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		logger.Error("init gemini client", "error", err)
		os.Exit(1)
	}

	agents := agent.New(q, generator, cfg.ShortcutAPIBase, logger)
	registry := worker.NewRegistry()
	if err := agents.Register(registry); err != nil {
		logger.Error("register handlers", "error", err)
		os.Exit(1)
	}

	w, err := worker.New(worker.Config{
		WorkerID:       cfg.WorkerID,
		TaskTypes:      cfg.WorkerTaskTypes,
		PollInterval:   cfg.WorkerPollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, q, registry, logger)
	if err != nil {
		logger.Error("init worker", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	go runJanitor(ctx, q, archive, cfg, logger)

	logger.Info("worker started",
		"worker_id", w.ID(), "poll_interval", cfg.WorkerPollInterval, "task_types", cfg.WorkerTaskTypes)
	if err := w.Run(ctx); err != nil {
		logger.Info("worker stopped", "error", err)
	}
}

// runJanitor periodically sweeps terminal tasks older than the retention
// period out of Redis and copies the swept records into Postgres.
func runJanitor(ctx context.Context, q *queue.RedisQueue, archive *store.Store, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		removed, err := q.CleanupOldTasks(ctx, cfg.RetentionPeriod)
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			continue
		}
		if len(removed) == 0 {
			continue
		}
		if err := archive.ArchiveTasks(ctx, removed); err != nil {
			logger.Error("archive swept tasks failed", "count", len(removed), "error", err)
			continue
		}
		for _, t := range removed {
			_ = archive.AppendAudit(ctx, t.ID, "archived", "removed from queue by retention sweep")
		}
		logger.Info("retention sweep archived tasks", "count", len(removed))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/zachbroad/hookrelay/internal/config"
	"github.com/zachbroad/hookrelay/internal/database"
	"github.com/zachbroad/hookrelay/internal/metrics"
	"github.com/zachbroad/hookrelay/internal/ops"
	"github.com/zachbroad/hookrelay/internal/store"
	"github.com/zachbroad/hookrelay/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(config.NewLogger(os.Stderr, cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize store and start the delivery worker
	s := store.New(pool)
	q := worker.NewQueue(rdb, cfg, m)
	w := worker.New(q, worker.NewDispatcher(cfg, s, q, m), cfg)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(ctx); err != nil {
			slog.Error("worker error", "error", err)
			cancel()
		}
	}()

	// Health, readiness and metrics for k8s health checks and scraping
	opsSrv := &http.Server{
		Addr: ":" + cfg.WorkerPort,
		Handler: ops.NewRouter(reg, map[string]ops.Check{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		}),
	}

	go func() {
		slog.Info("worker ops server listening", "port", cfg.WorkerPort)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}
	<-workerDone
	slog.Info("worker stopped")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/zachbroad/hookrelay/internal/config"
	"github.com/zachbroad/hookrelay/internal/database"
	"github.com/zachbroad/hookrelay/internal/handler"
	"github.com/zachbroad/hookrelay/internal/metrics"
	"github.com/zachbroad/hookrelay/internal/store"
	"github.com/zachbroad/hookrelay/internal/worker"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery worker in-process")
	flag.Parse()

	_ = godotenv.Load()  // Load .env file
	cfg := config.Load() // Load config from environment variables
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

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Connect to Redis (the job queue)
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

	// Initialize store, queue and handlers
	s := store.New(pool)
	q := worker.NewQueue(rdb, cfg, m)
	d := worker.NewDispatcher(cfg, s, q, m)

	webhookH := handler.NewWebhookHandler(s.Sources, s.Events, d, m)
	eventH := handler.NewEventHandler(s.Events, s.Deliveries, d)

	r := gin.Default()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true
	handler.Register(r, webhookH, eventH)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Optionally run the delivery worker in-process for local development
	workerDone := make(chan struct{})
	if *withWorker {
		w := worker.New(q, d, cfg)
		go func() {
			defer close(workerDone)
			if err := w.Run(ctx); err != nil {
				slog.Error("worker error", "error", err)
				cancel()
			}
		}()
	} else {
		close(workerDone)
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	<-workerDone
	slog.Info("api server stopped")
}

// Package worker wires the queue, dispatcher and sweeper into a runnable
// delivery worker.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/zachbroad/hookrelay/internal/config"
	"github.com/zachbroad/hookrelay/internal/delivery"
	"github.com/zachbroad/hookrelay/internal/dispatch"
	"github.com/zachbroad/hookrelay/internal/metrics"
	"github.com/zachbroad/hookrelay/internal/queue"
	"github.com/zachbroad/hookrelay/internal/retry"
	"github.com/zachbroad/hookrelay/internal/store"
)

func NewQueue(rdb redis.UniversalClient, cfg config.Config, m *metrics.Metrics) *queue.RedisQueue {
	return queue.NewRedisQueue(rdb, queue.RedisConfig{
		Prefix:            cfg.QueuePrefix,
		Concurrency:       cfg.WorkerConcurrency,
		MaxAttempts:       cfg.QueueMaxAttempts,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		PromoteInterval:   cfg.QueuePromoteInterval,
		Metrics:           m,
	})
}

func NewDispatcher(cfg config.Config, s *store.Store, q dispatch.Enqueuer, m *metrics.Metrics) *dispatch.Dispatcher {
	exec := delivery.New(delivery.NewHTTPClient(), delivery.Config{
		RetryOnHTTPError: cfg.RetryOnHTTPError,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	})
	return dispatch.New(s.Events, s.Destinations, s.Deliveries, exec, q, dispatch.Config{
		FanoutConcurrency: cfg.FanoutConcurrency,
		Evaluator:         retry.Evaluator{MaxDelay: cfg.RetryMaxDelay},
		Metrics:           m,
	})
}

type Worker struct {
	queue      queue.Queue
	dispatcher *dispatch.Dispatcher
	cfg        config.Config
}

func New(q queue.Queue, d *dispatch.Dispatcher, cfg config.Config) *Worker {
	return &Worker{queue: q, dispatcher: d, cfg: cfg}
}

// Run consumes jobs and sweeps undispatched events until ctx is done. It
// returns after in-flight jobs have finished.
func (w *Worker) Run(ctx context.Context) error {
	// The sweeper stops with the consumers, including when Consume fails.
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	var wg sync.WaitGroup
	if w.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.dispatcher.RunSweeper(sctx, w.cfg.SweepInterval, w.cfg.SweepGrace)
		}()
	}

	slog.Info("delivery worker started",
		"concurrency", w.cfg.WorkerConcurrency,
		"fanout_concurrency", w.cfg.FanoutConcurrency,
	)
	err := w.queue.Consume(ctx, w.dispatcher.HandleMessage)
	scancel()
	wg.Wait()
	return err
}

//go:build integration

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testConfig() RedisConfig {
	return RedisConfig{
		Prefix:            "test",
		Concurrency:       2,
		MaxAttempts:       3,
		VisibilityTimeout: 2 * time.Second,
		PromoteInterval:   50 * time.Millisecond,
		Block:             100 * time.Millisecond,
		RedriveInitial:    50 * time.Millisecond,
		RedriveMax:        200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRedisQueue_ImmediateAndDelayed(t *testing.T) {
	rdb := setupRedis(t)
	q := NewRedisQueue(rdb, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]time.Time{}
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, msg Message) error {
			mu.Lock()
			seen[string(msg.Payload)] = time.Now()
			mu.Unlock()
			return nil
		})
	}()

	start := time.Now()
	if err := q.Enqueue(ctx, []byte(`"now"`), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, []byte(`"later"`), 500*time.Millisecond); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	later := seen[`"later"`]
	mu.Unlock()
	if later.Sub(start) < 500*time.Millisecond {
		t.Fatalf("delayed job ran after %v, before its delay", later.Sub(start))
	}

	if n, _ := rdb.XLen(context.Background(), "test:ready").Result(); n != 0 {
		t.Fatalf("acked jobs left on stream: %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consume returned %v", err)
	}
}

func TestRedisQueue_RedriveThenDeadLetter(t *testing.T) {
	rdb := setupRedis(t)
	q := NewRedisQueue(rdb, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var lastAttempts atomic.Int32
	go q.Consume(ctx, func(ctx context.Context, msg Message) error {
		calls.Add(1)
		lastAttempts.Store(int32(msg.Attempts))
		return errors.New("store down")
	})

	if err := q.Enqueue(ctx, []byte(`{"eventUid":"evt_1"}`), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		n, _ := rdb.XLen(context.Background(), "test:dead").Result()
		return n == 1
	})

	if got := calls.Load(); got != 3 {
		t.Fatalf("handler calls = %d, want 3", got)
	}
	if got := lastAttempts.Load(); got != 2 {
		t.Fatalf("attempts on last call = %d, want 2", got)
	}

	msgs, err := rdb.XRange(context.Background(), "test:dead", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if msgs[0].Values["error"] != "store down" {
		t.Fatalf("dead letter error = %v", msgs[0].Values["error"])
	}
}

func TestRedisQueue_ReclaimsStalledJob(t *testing.T) {
	rdb := setupRedis(t)
	cfg := testConfig()
	q := NewRedisQueue(rdb, cfg)
	bg := context.Background()

	// Simulate a worker that read the job and died before acking it.
	if err := rdb.XGroupCreateMkStream(bg, q.readyKey(), q.group(), "0").Err(); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := q.Enqueue(bg, []byte(`"stalled"`), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := rdb.XReadGroup(bg, &redis.XReadGroupArgs{
		Group:    q.group(),
		Consumer: "dead-worker",
		Streams:  []string{q.readyKey(), ">"},
		Count:    1,
	}).Result(); err != nil {
		t.Fatalf("xreadgroup: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()

	var handled atomic.Bool
	go q.Consume(ctx, func(ctx context.Context, msg Message) error {
		if string(msg.Payload) == `"stalled"` {
			handled.Store(true)
		}
		return nil
	})

	waitFor(t, 10*time.Second, handled.Load)
}

func TestRedisQueue_SlowJobIsNotReclaimed(t *testing.T) {
	rdb := setupRedis(t)
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.VisibilityTimeout = 600 * time.Millisecond
	q := NewRedisQueue(rdb, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var finished atomic.Bool
	go q.Consume(ctx, func(ctx context.Context, msg Message) error {
		calls.Add(1)
		// Several visibility timeouts; reclaim runs every second.
		time.Sleep(2500 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	if err := q.Enqueue(ctx, []byte(`"slow"`), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 10*time.Second, finished.Load)
	// Leave the reclaim loop time to pick up anything left pending.
	time.Sleep(time.Second)

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	if n, _ := rdb.XLen(context.Background(), "test:ready").Result(); n != 0 {
		t.Fatalf("job left on stream: %d", n)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zachbroad/hookrelay/internal/metrics"
)

// promoteScript moves due members of the delayed set onto the ready stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'envelope', member)
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

type RedisConfig struct {
	Prefix            string        // key prefix, default "hookrelay"
	Concurrency       int           // stream consumers, default 4
	MaxAttempts       int           // handler errors before dead-lettering, default 10
	VisibilityTimeout time.Duration // idle time before a pending job is reclaimed, default 5m
	PromoteInterval   time.Duration // default 1s
	PromoteBatch      int           // default 100
	Block             time.Duration // XREADGROUP block, default 5s
	RedriveInitial    time.Duration // first redrive delay, default 1s
	RedriveMax        time.Duration // default 5m
	Metrics           *metrics.Metrics
}

func (c *RedisConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "hookrelay"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.RedriveInitial <= 0 {
		c.RedriveInitial = time.Second
	}
	if c.RedriveMax <= 0 {
		c.RedriveMax = 5 * time.Minute
	}
}

// heartbeatInterval is how often a running handler refreshes its pending
// entry. Three beats fit in one visibility timeout.
func (c *RedisConfig) heartbeatInterval() time.Duration {
	return max(c.VisibilityTimeout/3, time.Millisecond)
}

// redriveDelay doubles RedriveInitial for every handler error after the
// first, capped at RedriveMax.
func (c *RedisConfig) redriveDelay(attempts int) time.Duration {
	delay := c.RedriveInitial
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.RedriveMax || delay <= 0 {
			return c.RedriveMax
		}
	}
	if delay > c.RedriveMax {
		return c.RedriveMax
	}
	return delay
}

// RedisQueue keeps ready jobs on a stream read by one consumer group and
// delayed jobs in a sorted set scored by due time in milliseconds.
type RedisQueue struct {
	rdb    redis.UniversalClient
	cfg    RedisConfig
	closed atomic.Bool
}

func NewRedisQueue(rdb redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	cfg.setDefaults()
	return &RedisQueue{rdb: rdb, cfg: cfg}
}

func (q *RedisQueue) readyKey() string   { return q.cfg.Prefix + ":ready" }
func (q *RedisQueue) delayedKey() string { return q.cfg.Prefix + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.cfg.Prefix + ":dead" }
func (q *RedisQueue) group() string      { return q.cfg.Prefix + "-workers" }

// envelope is what is stored in Redis. The ID keeps identical payloads
// distinct inside the delayed set.
type envelope struct {
	ID        string `json:"id"`
	Payload   []byte `json:"payload"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func decodeEnvelope(values map[string]interface{}) (envelope, error) {
	raw, ok := values["envelope"].(string)
	if !ok {
		return envelope{}, errors.New("missing envelope field")
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	if q.closed.Load() {
		return ErrClosed
	}
	env := envelope{ID: uuid.NewString(), Payload: payload}
	if err := q.schedule(ctx, q.rdb, env, delay); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) schedule(ctx context.Context, c redis.Cmdable, env envelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return c.XAdd(ctx, &redis.XAddArgs{
			Stream: q.readyKey(),
			Values: map[string]interface{}{"envelope": string(data)},
		}).Err()
	}
	due := time.Now().Add(delay).UnixMilli()
	return c.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(data)}).Err()
}

// Close makes further Enqueue and Consume calls fail with ErrClosed. It does
// not close the Redis client.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// Consume blocks until ctx is done. Jobs already being handled run to
// completion: their context is detached from ctx.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if q.closed.Load() {
		return ErrClosed
	}

	err := q.rdb.XGroupCreateMkStream(ctx, q.readyKey(), q.group(), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	host, _ := os.Hostname()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		q.reclaimLoop(ctx, fmt.Sprintf("%s-%d-reclaim", host, os.Getpid()), handler)
	}()

	for i := range q.cfg.Concurrency {
		consumer := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}

	wg.Wait()
	return nil
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil || q.closed.Load() {
			return
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group(),
			Consumer: consumer,
			Streams:  []string{q.readyKey(), ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Error("xreadgroup error", "error", err, "consumer", consumer)
			sleep(ctx, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handle(context.WithoutCancel(ctx), consumer, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) handle(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	env, err := decodeEnvelope(msg.Values)
	if err != nil {
		slog.Error("dropping unreadable queue message", "error", err, "msg_id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}

	stop := q.heartbeat(ctx, consumer, msg.ID)
	err = safeCall(ctx, handler, Message{ID: env.ID, Payload: env.Payload, Attempts: env.Attempts})
	stop()
	if err == nil {
		q.ack(ctx, msg.ID)
		return
	}

	if err := q.redrive(ctx, msg.ID, env, err); err != nil {
		// The message stays pending and is reclaimed after the visibility timeout.
		slog.Error("failed to redrive job", "error", err, "msg_id", msg.ID)
	}
}

func (q *RedisQueue) ack(ctx context.Context, msgID string) {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.readyKey(), q.group(), msgID)
		pipe.XDel(ctx, q.readyKey(), msgID)
		return nil
	})
	if err != nil {
		slog.Error("failed to ack job", "error", err, "msg_id", msgID)
	}
}

// redrive reschedules a job whose handler failed, or dead-letters it once
// MaxAttempts is reached. The ack happens in the same transaction.
func (q *RedisQueue) redrive(ctx context.Context, msgID string, env envelope, cause error) error {
	env.Attempts++
	env.LastError = cause.Error()

	dead := env.Attempts >= q.cfg.MaxAttempts
	delay := q.cfg.redriveDelay(env.Attempts)

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if dead {
			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.deadKey(),
				Values: map[string]interface{}{"envelope": string(data), "error": env.LastError},
			})
		} else if err := q.schedule(ctx, pipe, env, delay); err != nil {
			return err
		}
		pipe.XAck(ctx, q.readyKey(), q.group(), msgID)
		pipe.XDel(ctx, q.readyKey(), msgID)
		return nil
	})
	if err != nil {
		return err
	}

	if dead {
		q.cfg.Metrics.DeadLetter()
		slog.Error("job moved to dead stream", "job_id", env.ID, "attempts", env.Attempts, "error", cause)
	} else {
		q.cfg.Metrics.Redrive()
		slog.Warn("job failed, redriving", "job_id", env.ID, "attempts", env.Attempts, "delay", delay, "error", cause)
	}
	return nil
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
				slog.Error("promote delayed jobs error", "error", err)
			}
		}
	}
}

// promote moves every due delayed job onto the ready stream and reports how
// many were moved.
func (q *RedisQueue) promote(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.rdb,
			[]string{q.delayedKey(), q.readyKey()},
			time.Now().UnixMilli(), q.cfg.PromoteBatch,
		).Int()
		if err != nil {
			return total, err
		}
		total += n
		if n < q.cfg.PromoteBatch {
			return total, nil
		}
	}
}

func (q *RedisQueue) reclaimLoop(ctx context.Context, consumer string, handler Handler) {
	interval := q.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.reclaim(ctx, consumer, handler); err != nil && ctx.Err() == nil {
				slog.Error("reclaim pending jobs error", "error", err)
			}
		}
	}
}

// reclaim takes over jobs left pending longer than the visibility timeout,
// which happens when a worker died mid-job, and handles them again.
func (q *RedisQueue) reclaim(ctx context.Context, consumer string, handler Handler) error {
	start := "0-0"
	for {
		msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.readyKey(),
			Group:    q.group(),
			Consumer: consumer,
			MinIdle:  q.cfg.VisibilityTimeout,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim: %w", err)
		}

		for _, msg := range msgs {
			slog.Warn("reclaimed stalled job", "msg_id", msg.ID)
			q.handle(context.WithoutCancel(ctx), consumer, msg, handler)
		}

		if next == "0-0" || next == "" || ctx.Err() != nil {
			return nil
		}
		start = next
	}
}

// heartbeat keeps a message's pending entry fresh while its handler runs, so
// the reclaim loop does not hand a slow job to a second consumer. The
// returned func stops it and waits for the last beat.
func (q *RedisQueue) heartbeat(ctx context.Context, consumer, msgID string) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.heartbeatInterval())
		defer ticker.Stop()

		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				// XCLAIM to the current owner resets the entry's idle time.
				err := q.rdb.XClaimJustID(hctx, &redis.XClaimArgs{
					Stream:   q.readyKey(),
					Group:    q.group(),
					Consumer: consumer,
					MinIdle:  0,
					Messages: []string{msgID},
				}).Err()
				if err != nil && hctx.Err() == nil {
					slog.Warn("job heartbeat failed", "error", err, "msg_id", msgID)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func safeCall(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

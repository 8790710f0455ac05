// Package dispatch turns delivery jobs into attempts, ledger rows and retries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zachbroad/hookrelay/internal/delivery"
	"github.com/zachbroad/hookrelay/internal/metrics"
	"github.com/zachbroad/hookrelay/internal/model"
	"github.com/zachbroad/hookrelay/internal/queue"
	"github.com/zachbroad/hookrelay/internal/retry"
	"github.com/zachbroad/hookrelay/internal/store"
	"golang.org/x/sync/errgroup"
)

// ErrEventNotFound is returned when a job names an event that does not exist.
var ErrEventNotFound = errors.New("event not found")

type EventStore interface {
	GetByUID(ctx context.Context, uid string) (*model.Event, error)
	UpdateStatus(ctx context.Context, id int64, status model.EventStatus) error
	RollUpStatus(ctx context.Context, id int64) (model.EventStatus, error)
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkDispatched(ctx context.Context, id int64) error
	ListUndispatched(ctx context.Context, receivedBefore time.Time, limit int) ([]model.Event, error)
}

type DestinationResolver interface {
	ListActive(ctx context.Context, projectID uuid.UUID, filter *uuid.UUID) ([]model.Destination, error)
}

type Ledger interface {
	CreateAttempt(ctx context.Context, eventID int64, destinationID uuid.UUID, attemptNumber int) (*model.Delivery, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, responseStatus *int, responseBody, errorMessage *string, duration time.Duration) error
}

type Executor interface {
	Attempt(ctx context.Context, dest *model.Destination, event *model.Event, attempt int) delivery.Outcome
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, delay time.Duration) error
}

type Config struct {
	// FanoutConcurrency above 1 delivers to that many destinations of one
	// event in parallel.
	FanoutConcurrency int
	Evaluator         retry.Evaluator
	Metrics           *metrics.Metrics
}

type Dispatcher struct {
	events       EventStore
	destinations DestinationResolver
	ledger       Ledger
	exec         Executor
	queue        Enqueuer
	cfg          Config
}

func New(events EventStore, destinations DestinationResolver, ledger Ledger, exec Executor, q Enqueuer, cfg Config) *Dispatcher {
	return &Dispatcher{
		events:       events,
		destinations: destinations,
		ledger:       ledger,
		exec:         exec,
		queue:        q,
		cfg:          cfg,
	}
}

// Enqueue submits a job to run after delay.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := d.queue.Enqueue(ctx, payload, delay); err != nil {
		return fmt.Errorf("enqueue job for %s: %w", job.EventUID, err)
	}
	return nil
}

// Dispatch enqueues the full fan-out for a stored event and records that it
// reached the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.Event) error {
	if err := d.Enqueue(ctx, Job{EventUID: event.UID}, 0); err != nil {
		return err
	}
	if err := d.events.MarkDispatched(ctx, event.ID); err != nil {
		return err
	}
	return nil
}

// HandleMessage adapts Handle to queue.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg queue.Message) error {
	job, err := parseJob(msg.Payload)
	if err != nil {
		// Redriving cannot fix a payload that does not decode.
		slog.Error("dropping unreadable job", "error", err, "job_id", msg.ID)
		return nil
	}
	if err := d.Handle(ctx, job); err != nil {
		d.cfg.Metrics.JobError()
		return err
	}
	return nil
}

// Handle runs one job. Delivery failures are recorded and retried through new
// jobs; only lookup, store and enqueue errors are returned.
func (d *Dispatcher) Handle(ctx context.Context, job Job) error {
	attempt := job.AttemptNumber()

	event, err := d.events.GetByUID(ctx, job.EventUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Error("event lookup failed", "event_uid", job.EventUID, "error", err)
			return fmt.Errorf("%w: %s", ErrEventNotFound, job.EventUID)
		}
		return fmt.Errorf("get event %s: %w", job.EventUID, err)
	}

	dests, err := d.destinations.ListActive(ctx, event.ProjectID, job.DestinationID)
	if err != nil {
		return fmt.Errorf("resolve destinations: %w", err)
	}
	if len(dests) == 0 {
		if job.DestinationID != nil {
			slog.Info("destination no longer active, dropping retry",
				"event_uid", event.UID, "destination_id", *job.DestinationID, "attempt", attempt)
		} else {
			slog.Info("no active destinations for event", "event_uid", event.UID, "project_id", event.ProjectID)
		}
		return nil
	}

	if err := d.events.UpdateStatus(ctx, event.ID, model.EventProcessing); err != nil {
		return err
	}

	if d.cfg.FanoutConcurrency > 1 && len(dests) > 1 {
		var g errgroup.Group
		g.SetLimit(d.cfg.FanoutConcurrency)
		for i := range dests {
			dest := &dests[i]
			g.Go(func() error {
				return d.deliver(ctx, event, dest, attempt)
			})
		}
		return g.Wait()
	}

	var errs []error
	for i := range dests {
		if err := d.deliver(ctx, event, &dests[i], attempt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, event *model.Event, dest *model.Destination, attempt int) error {
	log := slog.With("event_uid", event.UID, "destination_id", dest.ID, "attempt", attempt)

	row, err := d.ledger.CreateAttempt(ctx, event.ID, dest.ID, attempt)
	if err != nil {
		return err
	}

	out := d.exec.Attempt(ctx, dest, event, attempt)
	d.cfg.Metrics.ObserveDelivery(out.Delivered, out.Duration)

	var errMsg *string
	if out.Err != nil {
		s := out.Err.Error()
		errMsg = &s
	}
	if err := d.ledger.RecordOutcome(ctx, row.ID, out.StatusCode, out.Body, errMsg, out.Duration); err != nil {
		return err
	}

	status, err := d.events.RollUpStatus(ctx, event.ID)
	if err != nil {
		return err
	}

	if out.Delivered {
		log.Info("delivery succeeded", "status_code", derefInt(out.StatusCode), "duration", out.Duration, "event_status", status)
		return nil
	}

	policy := retry.Parse(dest.RetryPolicy)
	delay, ok, reason := d.cfg.Evaluator.Next(attempt, policy)
	if !ok {
		if errors.Is(reason, retry.ErrDelayCeiling) {
			d.cfg.Metrics.ObserveRetry("ceiling")
			log.Warn("delivery permanently failed", "reason", reason, "max_delay", d.cfg.Evaluator.MaxDelay, "error", out.Err)
		} else {
			d.cfg.Metrics.ObserveRetry("exhausted")
			log.Warn("delivery permanently failed", "reason", "retries exhausted", "max_retries", policy.MaxRetries, "error", out.Err)
		}
		return nil
	}

	destID := dest.ID
	next := Job{EventUID: event.UID, DestinationID: &destID, Attempt: attempt + 1}
	if err := d.Enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	d.cfg.Metrics.ObserveRetry("scheduled")

	if err := d.events.IncrementRetryCount(ctx, event.ID); err != nil {
		log.Error("failed to increment retry count", "error", err)
	}
	log.Info("retry scheduled", "delay", delay, "next_attempt", attempt+1, "error", out.Err)
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

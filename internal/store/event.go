package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/hookrelay/internal/model"
)

type EventStore struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, uid, project_id, source_id, payload, headers, status, retry_count, received_at, completed_at, dispatched_at`

func scanEvent(row pgx.Row, e *model.Event) error {
	return row.Scan(&e.ID, &e.UID, &e.ProjectID, &e.SourceID, &e.Payload, &e.Headers, &e.Status, &e.RetryCount, &e.ReceivedAt, &e.CompletedAt, &e.DispatchedAt)
}

func (s *EventStore) Create(ctx context.Context, projectID, sourceID uuid.UUID, payload, headers json.RawMessage) (*model.Event, error) {
	var e model.Event
	err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO events (uid, project_id, source_id, payload, headers, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+eventColumns,
		model.NewEventUID(), projectID, sourceID, payload, headers, model.EventReceived,
	), &e)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &e, nil
}

func (s *EventStore) GetByUID(ctx context.Context, uid string) (*model.Event, error) {
	var e model.Event
	err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE uid = $1`,
		uid,
	), &e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get event %s: %w", uid, ErrNotFound)
		}
		return nil, fmt.Errorf("get event %s: %w", uid, err)
	}
	return &e, nil
}

func (s *EventStore) UpdateStatus(ctx context.Context, id int64, status model.EventStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	return nil
}

// RollUpStatus recomputes the event status from the latest final delivery of
// every currently active destination that has one: any failure makes the
// event failed, otherwise it is completed. Destinations disabled since their
// last attempt no longer count. With no such deliveries the status is kept.
//
// The status reflects only destinations attempted so far, so during a
// sequential fan-out the event can read completed before its later
// destinations have been tried.
func (s *EventStore) RollUpStatus(ctx context.Context, id int64) (model.EventStatus, error) {
	var status model.EventStatus
	err := s.pool.QueryRow(ctx,
		`WITH latest AS (
			SELECT DISTINCT ON (dl.destination_id) dl.destination_id, dl.error_message
			FROM deliveries dl
			JOIN destinations d ON d.id = dl.destination_id AND d.status = 'active'
			WHERE dl.event_id = $1 AND dl.final
			ORDER BY dl.destination_id, dl.created_at DESC, dl.attempt_no DESC
		), verdict AS (
			SELECT CASE
				WHEN count(*) = 0 THEN NULL
				WHEN bool_or(error_message IS NOT NULL) THEN 'failed'
				ELSE 'completed'
			END AS status
			FROM latest
		)
		UPDATE events e SET
			status       = COALESCE(v.status, e.status),
			completed_at = CASE
				WHEN v.status = 'completed' THEN now()
				WHEN v.status = 'failed' THEN NULL
				ELSE e.completed_at
			END
		FROM verdict v
		WHERE e.id = $1
		RETURNING e.status`,
		id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("roll up event status: %w", ErrNotFound)
		}
		return "", fmt.Errorf("roll up event status: %w", err)
	}
	return status, nil
}

func (s *EventStore) IncrementRetryCount(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

// MarkDispatched records that a delivery job for the event reached the queue.
func (s *EventStore) MarkDispatched(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET dispatched_at = COALESCE(dispatched_at, $2) WHERE id = $1`,
		id, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark event dispatched: %w", err)
	}
	return nil
}

// ListUndispatched returns received events whose first job never reached the
// queue, oldest first.
func (s *EventStore) ListUndispatched(ctx context.Context, receivedBefore time.Time, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE dispatched_at IS NULL AND status = 'received' AND received_at < $1
		 ORDER BY received_at ASC LIMIT $2`,
		receivedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list undispatched events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := scanEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

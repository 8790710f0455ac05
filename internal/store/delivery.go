package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/hookrelay/internal/model"
)

// ErrAlreadyFinal is returned when an attempt's outcome was already written.
var ErrAlreadyFinal = errors.New("delivery outcome already recorded")

type DeliveryStore struct {
	pool *pgxpool.Pool
}

const deliveryColumns = `id, event_id, destination_id, attempt_no, response_status, response_body, error_message, duration_ms, final, created_at, delivered_at`

func scanDelivery(row pgx.Row, d *model.Delivery) error {
	return row.Scan(&d.ID, &d.EventID, &d.DestinationID, &d.AttemptNumber, &d.ResponseStatus, &d.ResponseBody, &d.ErrorMessage, &d.DurationMs, &d.Final, &d.CreatedAt, &d.DeliveredAt)
}

// CreateAttempt inserts the ledger row for an attempt that is about to be made.
func (s *DeliveryStore) CreateAttempt(ctx context.Context, eventID int64, destinationID uuid.UUID, attemptNumber int) (*model.Delivery, error) {
	var d model.Delivery
	err := scanDelivery(s.pool.QueryRow(ctx,
		`INSERT INTO deliveries (event_id, destination_id, attempt_no)
		 VALUES ($1, $2, $3)
		 RETURNING `+deliveryColumns,
		eventID, destinationID, attemptNumber,
	), &d)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return &d, nil
}

// RecordOutcome writes the result of an attempt exactly once and marks the
// row final. A nil errorMessage means the attempt was delivered.
func (s *DeliveryStore) RecordOutcome(ctx context.Context, id uuid.UUID, responseStatus *int, responseBody, errorMessage *string, duration time.Duration) error {
	var deliveredAt *time.Time
	if errorMessage == nil {
		now := time.Now()
		deliveredAt = &now
	}

	result, err := s.pool.Exec(ctx,
		`UPDATE deliveries SET
			response_status = $2,
			response_body   = $3,
			error_message   = $4,
			duration_ms     = $5,
			delivered_at    = $6,
			final           = true
		 WHERE id = $1 AND NOT final`,
		id, responseStatus, responseBody, errorMessage, duration.Milliseconds(), deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("record outcome %s: %w", id, ErrAlreadyFinal)
	}
	return nil
}

func (s *DeliveryStore) ListByEvent(ctx context.Context, eventID int64) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM deliveries
		 WHERE event_id = $1
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by event: %w", err)
	}
	defer rows.Close()

	var deliveries []model.Delivery
	for rows.Next() {
		var d model.Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

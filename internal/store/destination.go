package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/hookrelay/internal/model"
)

type DestinationStore struct {
	pool *pgxpool.Pool
}

const destinationColumns = `id, project_id, name, url, secret, retry_policy, timeout_ms, status, created_at, updated_at`

func scanDestination(row pgx.Row, d *model.Destination) error {
	return row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.URL, &d.Secret, &d.RetryPolicy, &d.TimeoutMs, &d.Status, &d.CreatedAt, &d.UpdatedAt)
}

func (s *DestinationStore) Create(ctx context.Context, projectID uuid.UUID, name, url string, secret *string, retryPolicy json.RawMessage, timeoutMs *int) (*model.Destination, error) {
	var d model.Destination
	err := scanDestination(s.pool.QueryRow(ctx,
		`INSERT INTO destinations (project_id, name, url, secret, retry_policy, timeout_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+destinationColumns,
		projectID, name, url, secret, retryPolicy, timeoutMs,
	), &d)
	if err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}
	return &d, nil
}

func (s *DestinationStore) SetStatus(ctx context.Context, id uuid.UUID, status model.DestinationStatus) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE destinations SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set destination status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("set destination status: %w", ErrNotFound)
	}
	return nil
}

// ListActive returns the active destinations of a project. With a non-nil
// filter it returns at most that one destination, and only while it is still
// active and owned by the project.
func (s *DestinationStore) ListActive(ctx context.Context, projectID uuid.UUID, filter *uuid.UUID) ([]model.Destination, error) {
	query := `SELECT ` + destinationColumns + `
		 FROM destinations WHERE project_id = $1 AND status = 'active'`
	args := []any{projectID}
	if filter != nil {
		query += ` AND id = $2`
		args = append(args, *filter)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active destinations: %w", err)
	}
	defer rows.Close()

	var dests []model.Destination
	for rows.Next() {
		var d model.Destination
		if err := scanDestination(rows, &d); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

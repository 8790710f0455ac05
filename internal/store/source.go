package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/hookrelay/internal/model"
)

type ProjectStore struct {
	pool *pgxpool.Pool
}

func (s *ProjectStore) Create(ctx context.Context, name string) (*model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name) VALUES ($1) RETURNING id, name, created_at`,
		name,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

type SourceStore struct {
	pool *pgxpool.Pool
}

func (s *SourceStore) Create(ctx context.Context, projectID uuid.UUID, name string) (*model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sources (project_id, name) VALUES ($1, $2)
		 RETURNING id, project_id, name, status, created_at`,
		projectID, name,
	).Scan(&src.ID, &src.ProjectID, &src.Name, &src.Status, &src.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	return &src, nil
}

// GetActive resolves an ingest path (/webhooks/:project/:source) to an active source.
func (s *SourceStore) GetActive(ctx context.Context, projectName, sourceName string) (*model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.project_id, s.name, s.status, s.created_at
		 FROM sources s JOIN projects p ON p.id = s.project_id
		 WHERE p.name = $1 AND s.name = $2 AND s.status = 'active'`,
		projectName, sourceName,
	).Scan(&src.ID, &src.ProjectID, &src.Name, &src.Status, &src.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get active source: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get active source: %w", err)
	}
	return &src, nil
}

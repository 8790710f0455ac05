package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	Projects     *ProjectStore
	Sources      *SourceStore
	Destinations *DestinationStore
	Events       *EventStore
	Deliveries   *DeliveryStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Projects:     &ProjectStore{pool: pool},
		Sources:      &SourceStore{pool: pool},
		Destinations: &DestinationStore{pool: pool},
		Events:       &EventStore{pool: pool},
		Deliveries:   &DeliveryStore{pool: pool},
	}
}

// Package queue carries delivery jobs between the API and the workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue and Consume once the queue was closed.
var ErrClosed = errors.New("queue closed")

type Message struct {
	ID      string
	Payload []byte
	// Attempts counts earlier handler errors for this job.
	Attempts int
}

// Handler processes one message. A nil return acknowledges it; an error
// makes the queue redrive it later.
type Handler func(ctx context.Context, msg Message) error

type Queue interface {
	// Enqueue schedules payload to become visible after delay. A delay of
	// zero or less makes it visible immediately.
	Enqueue(ctx context.Context, payload []byte, delay time.Duration) error
	// Consume runs handler for every message until ctx is done.
	Consume(ctx context.Context, handler Handler) error
}

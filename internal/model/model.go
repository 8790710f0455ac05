package model

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Source struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type DestinationStatus string

const (
	DestinationActive   DestinationStatus = "active"
	DestinationDisabled DestinationStatus = "disabled"
)

// DefaultTimeout applies when a destination has no timeout_ms of its own.
const DefaultTimeout = 5 * time.Second

type Destination struct {
	ID          uuid.UUID         `json:"id"`
	ProjectID   uuid.UUID         `json:"project_id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Secret      *string           `json:"-"`
	RetryPolicy json.RawMessage   `json:"retry_policy,omitempty"`
	TimeoutMs   *int              `json:"timeout_ms,omitempty"`
	Status      DestinationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Timeout returns the per-attempt deadline for outbound calls.
func (d *Destination) Timeout() time.Duration {
	if d.TimeoutMs == nil || *d.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(*d.TimeoutMs) * time.Millisecond
}

type EventStatus string

const (
	EventReceived   EventStatus = "received"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventDiscarded  EventStatus = "discarded"
)

type Event struct {
	ID           int64           `json:"-"`
	UID          string          `json:"uid"`
	ProjectID    uuid.UUID       `json:"project_id"`
	SourceID     uuid.UUID       `json:"source_id"`
	Payload      json.RawMessage `json:"payload"`
	Headers      json.RawMessage `json:"headers"`
	Status       EventStatus     `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ReceivedAt   time.Time       `json:"received_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// NewEventUID returns an opaque external identifier for an event.
func NewEventUID() string {
	id := uuid.New()
	return "evt_" + hex.EncodeToString(id[:])
}

type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	EventID        int64      `json:"-"`
	DestinationID  uuid.UUID  `json:"destination_id"`
	AttemptNumber  int        `json:"attempt_number"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	DurationMs     *int64     `json:"duration_ms,omitempty"`
	Final          bool       `json:"final"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// Succeeded reports whether the attempt's outcome was recorded as delivered.
func (d *Delivery) Succeeded() bool {
	return d.Final && d.ErrorMessage == nil
}

// RollUp derives an event status from the latest final attempt of each
// destination. Any failed latest attempt fails the event; with no final
// attempts the current status is kept.
func RollUp(current EventStatus, latest []Delivery) EventStatus {
	settled := 0
	for i := range latest {
		if !latest[i].Final {
			continue
		}
		if latest[i].ErrorMessage != nil {
			return EventFailed
		}
		settled++
	}
	if settled == 0 {
		return current
	}
	return EventCompleted
}

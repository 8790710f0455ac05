package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/hookrelay/internal/model"
	"github.com/zachbroad/hookrelay/internal/store"
)

type EventReader interface {
	GetByUID(ctx context.Context, uid string) (*model.Event, error)
}

type DeliveryLister interface {
	ListByEvent(ctx context.Context, eventID int64) ([]model.Delivery, error)
}

type EventHandler struct {
	events     EventReader
	deliveries DeliveryLister
	dispatcher Dispatcher
}

func NewEventHandler(events EventReader, deliveries DeliveryLister, d Dispatcher) *EventHandler {
	return &EventHandler{events: events, deliveries: deliveries, dispatcher: d}
}

// lookup writes the error response itself and returns nil when the event
// cannot be loaded.
func (h *EventHandler) lookup(c *gin.Context) *model.Event {
	event, err := h.events.GetByUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.String(http.StatusNotFound, "event not found")
			return nil
		}
		slog.Error("failed to get event", "error", err, "event_uid", c.Param("uid"))
		c.String(http.StatusInternalServerError, "failed to get event")
		return nil
	}
	return event
}

func (h *EventHandler) Get(c *gin.Context) {
	event := h.lookup(c)
	if event == nil {
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *EventHandler) ListDeliveries(c *gin.Context) {
	event := h.lookup(c)
	if event == nil {
		return
	}

	deliveries, err := h.deliveries.ListByEvent(c.Request.Context(), event.ID)
	if err != nil {
		slog.Error("failed to list deliveries", "error", err, "event_uid", event.UID)
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	if deliveries == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

// Replay fans the event out again to every active destination.
func (h *EventHandler) Replay(c *gin.Context) {
	event := h.lookup(c)
	if event == nil {
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), event); err != nil {
		slog.Error("failed to replay event", "error", err, "event_uid", event.UID)
		c.String(http.StatusServiceUnavailable, "failed to enqueue replay")
		return
	}

	slog.Info("event replay queued", "event_uid", event.UID)
	c.JSON(http.StatusAccepted, gin.H{
		"event_uid": event.UID,
		"status":    "queued",
	})
}

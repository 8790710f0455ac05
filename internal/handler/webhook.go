package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/hookrelay/internal/metrics"
	"github.com/zachbroad/hookrelay/internal/model"
	"github.com/zachbroad/hookrelay/internal/store"
)

type SourceLookup interface {
	GetActive(ctx context.Context, projectName, sourceName string) (*model.Source, error)
}

type EventCreator interface {
	Create(ctx context.Context, projectID, sourceID uuid.UUID, payload, headers json.RawMessage) (*model.Event, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event *model.Event) error
}

// Credentials sent to the relay are not passed on to destinations.
var droppedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

type WebhookHandler struct {
	sources    SourceLookup
	events     EventCreator
	dispatcher Dispatcher
	metrics    *metrics.Metrics
}

func NewWebhookHandler(sources SourceLookup, events EventCreator, d Dispatcher, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{sources: sources, events: events, dispatcher: d, metrics: m}
}

func (h *WebhookHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	src, err := h.sources.GetActive(ctx, c.Param("project"), c.Param("source"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.String(http.StatusNotFound, "source not found")
			return
		}
		slog.Error("failed to resolve source", "error", err)
		c.String(http.StatusInternalServerError, "failed to resolve source")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		c.String(http.StatusBadRequest, "invalid JSON payload")
		return
	}

	headerMap := map[string]string{}
	for key, values := range c.Request.Header {
		k := strings.ToLower(key)
		if droppedHeaders[k] || len(values) == 0 {
			continue
		}
		headerMap[k] = values[0]
	}
	headersJSON, _ := json.Marshal(headerMap)

	event, err := h.events.Create(ctx, src.ProjectID, src.ID, body, headersJSON)
	if err != nil {
		slog.Error("failed to create event", "error", err, "source_id", src.ID)
		c.String(http.StatusInternalServerError, "failed to store event")
		return
	}
	h.metrics.Ingested()

	if err := h.dispatcher.Dispatch(ctx, event); err != nil {
		// The event stays undispatched and the sweeper enqueues it later.
		slog.Error("failed to dispatch event", "error", err, "event_uid", event.UID)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_uid": event.UID,
		"status":    event.Status,
	})
}

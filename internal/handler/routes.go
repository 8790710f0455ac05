package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Register mounts the ingest endpoint and the operator API on r.
func Register(r *gin.Engine, webhooks *WebhookHandler, events *EventHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	r.POST("/webhooks/:project/:source", webhooks.Ingest)

	api := r.Group("/api")
	{
		ev := api.Group("/events/:uid")
		{
			ev.GET("", events.Get)
			ev.GET("/deliveries", events.ListDeliveries)
			ev.POST("/replay", events.Replay)
		}
	}
}

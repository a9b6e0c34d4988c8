package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/engine"
)

// HandleWebhook handles POST /api/v1/webhooks/transcription
// The provider retries on non-2xx responses, so transient failures return
// 500 while permanently undeliverable events are acknowledged or rejected
// with 400.
func (h *JobHandler) HandleWebhook(c *gin.Context) {
	event, err := h.backend.ParseCallback(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrWebhookMalformed),
			errors.Is(err, backend.ErrWebhookUnauthenticated),
			errors.Is(err, backend.ErrUnknownStatus):
			h.logger.Warn("Rejected webhook",
				slog.String("provider", h.backend.Name()),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": err.Error(),
			})
		default:
			h.logger.Error("Failed to parse webhook",
				slog.String("provider", h.backend.Name()),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"status":  "error",
				"message": "Failed to process webhook",
			})
		}
		return
	}

	if err := h.engine.ApplyWebhookEvent(c.Request.Context(), event); err != nil {
		if engine.IsTerminalEventError(err) {
			// A callback for a job that no longer exists, or carrying a
			// status the adapter let through, cannot succeed on retry.
			h.logger.Warn("Dropped undeliverable webhook event",
				slog.Int64("job_id", event.JobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to apply webhook event",
			slog.Int64("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to process webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

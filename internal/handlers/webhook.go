package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// MaxWebhookBody bounds a single delivery.
const MaxWebhookBody = 1 << 20

type WebhookIngester interface {
	IngestWebhook(ctx context.Context, d ingest.Delivery) (models.InsertResult, error)
	Reject(ctx context.Context, provider string, reason string, cause error) error
}

// RegisterWebhookRoutes registers POST /webhooks/:provider. Signatures are
// checked by the gateway, so the route is not behind the API key.
func RegisterWebhookRoutes(r gin.IRoutes, in WebhookIngester) {
	r.POST("/webhooks/:provider", func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
		if err != nil {
			reason := ingest.ReasonMalformed
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				reason = ingest.ReasonTooLarge
			}
			writeError(c, in.Reject(c.Request.Context(), c.Param("provider"), reason, err))
			return
		}

		res, err := in.IngestWebhook(c.Request.Context(), ingest.Delivery{
			Provider:   c.Param("provider"),
			DeliveryID: c.GetHeader("X-Event-Id"),
			Timestamp:  c.GetHeader("X-Event-Timestamp"),
			Signature:  c.GetHeader("X-Signature"),
			Body:       body,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(insertStatus(res, http.StatusAccepted), models.IngestResponse{EventID: res.ID, Duplicate: res.Duplicate})
	})
}

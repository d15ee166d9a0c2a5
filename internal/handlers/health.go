package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

type HealthReporter interface {
	Health(ctx context.Context) models.HealthResponse
	QueueStats(ctx context.Context) (models.QueueStats, error)
	WebhookHealth(ctx context.Context) models.WebhookHealth
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// RegisterHealthRoutes registers the public health and statistics endpoints.
func RegisterHealthRoutes(r gin.IRoutes, hr HealthReporter, p Pinger) {
	r.GET("/health", func(c *gin.Context) {
		res := hr.Health(c.Request.Context())
		c.JSON(healthStatus(res.Status), res)
	})

	// Readiness: confirms the store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/queue/stats", func(c *gin.Context) {
		stats, err := hr.QueueStats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	r.GET("/webhooks/health", func(c *gin.Context) {
		res := hr.WebhookHealth(c.Request.Context())
		c.JSON(healthStatus(res.Status), res)
	})
}

func healthStatus(status string) int {
	if status == "unhealthy" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/PratikDhanave/sync-queue-service/internal/auth"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

// Enqueuer accepts locally requested syncs and replays.
type Enqueuer interface {
	Trigger(ctx context.Context, requestID string, req models.TriggerRequest) (models.InsertResult, error)
	Replay(ctx context.Context, id string, requestID string) (models.InsertResult, error)
}

// EventReader serves the operator read paths.
type EventReader interface {
	Get(ctx context.Context, id string) (models.SyncEvent, error)
	List(ctx context.Context, filter models.EventFilter) ([]models.SyncEvent, error)
	Snapshot(ctx context.Context, entity models.EntityType, key string) (models.EntitySnapshot, error)
}

// RegisterEventRoutes registers the operator endpoints. All of them sit
// behind the API key middleware.
//
// POST /sync/trigger
// - Idempotent: Idempotency-Key header, then request_id, one is required
// - 201 for new events, 200 for duplicates
func RegisterEventRoutes(r gin.IRoutes, q Enqueuer, rd EventReader) {
	r.POST("/sync/trigger", func(c *gin.Context) {
		var req models.TriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		requestID := c.GetHeader("Idempotency-Key")
		if requestID == "" {
			requestID = req.RequestID
		}

		res, err := q.Trigger(c.Request.Context(), requestID, req)
		if err != nil {
			writeError(c, err)
			return
		}
		logging.Info(c.Request.Context(), "sync triggered",
			slog.String("operator", auth.Operator(c)),
			slog.String("entity_type", req.EntityType),
			slog.String("event_id", res.ID),
			slog.Bool("duplicate", res.Duplicate),
		)
		c.JSON(insertStatus(res, http.StatusCreated), models.IngestResponse{EventID: res.ID, Duplicate: res.Duplicate})
	})

	r.GET("/events", func(c *gin.Context) {
		filter, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events, err := rd.List(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	r.GET("/events/:id", func(c *gin.Context) {
		ev, err := rd.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ev)
	})

	// Without an Idempotency-Key every call creates a fresh replay.
	r.POST("/events/:id/replay", func(c *gin.Context) {
		requestID := c.GetHeader("Idempotency-Key")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		res, err := q.Replay(c.Request.Context(), c.Param("id"), requestID)
		if err != nil {
			writeError(c, err)
			return
		}
		logging.Info(c.Request.Context(), "replay queued",
			slog.String("operator", auth.Operator(c)),
			slog.String("replay_of", c.Param("id")),
			slog.String("event_id", res.ID),
			slog.Bool("duplicate", res.Duplicate),
		)
		c.JSON(insertStatus(res, http.StatusCreated), models.IngestResponse{EventID: res.ID, Duplicate: res.Duplicate})
	})

	r.GET("/entities/:entity_type/:key", func(c *gin.Context) {
		entity, err := models.ParseEntityType(c.Param("entity_type"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := rd.Snapshot(c.Request.Context(), entity, c.Param("key"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})
}

func parseFilter(c *gin.Context) (models.EventFilter, error) {
	var f models.EventFilter
	if v := c.Query("status"); v != "" {
		s, err := models.ParseEventStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &s
	}
	if v := c.Query("entity_type"); v != "" {
		e, err := models.ParseEntityType(v)
		if err != nil {
			return f, err
		}
		f.EntityType = &e
	}
	if v := c.Query("source_type"); v != "" {
		s, err := models.ParseSourceType(v)
		if err != nil {
			return f, err
		}
		f.SourceType = &s
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func insertStatus(res models.InsertResult, created int) int {
	if res.Duplicate {
		return http.StatusOK
	}
	return created
}

// writeError maps domain errors to responses. Anything unrecognized is an
// infrastructure failure and is logged.
func writeError(c *gin.Context, err error) {
	var rejected *ingest.RejectedError
	switch {
	case errors.As(err, &rejected):
		c.JSON(rejectionStatus(rejected.Reason), gin.H{"error": rejected.Err.Error(), "reason": rejected.Reason})
	case errors.Is(err, ingest.ErrInvalidRequest), errors.Is(err, models.ErrInvalidEnum):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrNotDeadLettered):
		c.JSON(http.StatusConflict, gin.H{"error": "event is not dead-lettered"})
	default:
		logging.Error(c.Request.Context(), "request failed", slog.Any("err", errs.Loggable(err)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	}
}

func rejectionStatus(reason string) int {
	switch reason {
	case ingest.ReasonUnknownProvider:
		return http.StatusNotFound
	case ingest.ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ingest.ReasonTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/processor"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
	"github.com/PratikDhanave/sync-queue-service/internal/tracing"
)

// execute runs one claimed event and records its outcome.
func (d *Dispatcher) execute(ctx context.Context, ev models.SyncEvent) {
	ctx, span := tracing.Tracer().Start(ctx, "sync.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.event_id", ev.ID),
		attribute.String("sync.entity_type", string(ev.EntityType)),
		attribute.String("sync.source_type", string(ev.SourceType)),
		attribute.Int("sync.attempt", ev.AttemptCount),
	)
	ctx = tracing.WithSpan(logging.WithAttrs(ctx,
		slog.String("event_id", ev.ID),
		slog.String("entity_type", string(ev.EntityType)),
		slog.Int("attempt", ev.AttemptCount),
	))

	started := time.Now()
	err := d.proc.Process(ctx, ev)
	elapsed := time.Since(started)
	metrics.ProcessingDuration.WithLabelValues(string(ev.EntityType)).Observe(elapsed.Seconds())

	retryable := processor.Retryable(err)
	decision := d.policy.Decide(ev.AttemptCount, err, retryable, d.now().UTC())
	if !validEdge(err, decision.Status) {
		logging.Error(ctx, "policy produced an invalid transition", slog.String("status", string(decision.Status)))
		return
	}

	attempt := models.Attempt{
		EventID:    ev.ID,
		Number:     ev.AttemptCount,
		EntityType: ev.EntityType,
		SourceType: ev.SourceType,
		Succeeded:  err == nil,
		Retryable:  retryable,
		Duration:   elapsed,
		FinishedAt: d.now().UTC(),
	}
	if err != nil {
		attempt.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(decision.Status))
	}

	// The outcome must land even when shutdown has cancelled the handler.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.OutcomeTimeout)
	defer cancel()
	uerr := d.store.UpdateOutcome(wctx, models.OutcomeUpdate{
		ID:            ev.ID,
		ClaimToken:    ev.ClaimToken,
		Status:        decision.Status,
		NextAttemptAt: decision.NextAttemptAt,
		LastError:     decision.LastError,
		Attempt:       attempt,
	})
	switch {
	case errors.Is(uerr, store.ErrClaimLost):
		logging.Warn(ctx, "claim lost before outcome was recorded")
		return
	case uerr != nil:
		metrics.StoreErrors.WithLabelValues("update_outcome").Inc()
		logging.Error(ctx, "record outcome failed; reaper will recover the claim", slog.Any("err", errs.Loggable(uerr)))
		return
	}

	metrics.ProcessingOutcomes.WithLabelValues(string(ev.EntityType), string(decision.Status)).Inc()
	attrs := []slog.Attr{
		slog.String("status", string(decision.Status)),
		slog.Duration("duration", elapsed),
	}
	switch decision.Status {
	case models.StatusCompleted:
		logging.Info(ctx, "sync event completed", attrs...)
	case models.StatusRetry:
		attrs = append(attrs, slog.Time("next_attempt_at", *decision.NextAttemptAt), slog.Any("err", errs.Loggable(err)))
		logging.Warn(ctx, "sync event failed; retry scheduled", attrs...)
	default:
		attrs = append(attrs, slog.Bool("retryable", retryable), slog.Any("err", errs.Loggable(err)))
		logging.Error(ctx, "sync event dead-lettered", attrs...)
	}
}

// validEdge checks PROCESSING -> COMPLETED, or PROCESSING -> FAILED -> decision.
func validEdge(err error, to models.EventStatus) bool {
	if err == nil {
		return models.CanTransition(models.StatusProcessing, to)
	}
	return models.CanTransition(models.StatusProcessing, models.StatusFailed) &&
		models.CanTransition(models.StatusFailed, to)
}

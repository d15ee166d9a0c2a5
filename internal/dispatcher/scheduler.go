package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Entities []string      `mapstructure:"entities"`
}

type Triggerer interface {
	Trigger(ctx context.Context, requestID string, req models.TriggerRequest) (models.InsertResult, error)
}

// Scheduler enqueues one reconciliation event per entity type per window.
// The request id is derived from the window start, so every instance
// running a scheduler lands on the same event.
type Scheduler struct {
	interval time.Duration
	entities []models.EntityType
	trig     Triggerer
	now      func() time.Time
}

func NewScheduler(cfg SchedulerConfig, trig Triggerer) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", cfg.Interval)
	}
	entities := make([]models.EntityType, 0, len(cfg.Entities))
	for _, raw := range cfg.Entities {
		e, err := models.ParseEntityType(raw)
		if err != nil {
			return nil, errs.Wrap(err, "scheduler entities")
		}
		entities = append(entities, e)
	}
	return &Scheduler{interval: cfg.Interval, entities: entities, trig: trig, now: time.Now}, nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	ctx = logging.WithAttrs(ctx, slog.String("component", "scheduler"))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.Error(ctx, "reconciliation tick failed", slog.Any("err", errs.Loggable(err)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick enqueues the current window for every configured entity type.
func (s *Scheduler) Tick(ctx context.Context) error {
	window := s.now().UTC().Truncate(s.interval)
	for _, entity := range s.entities {
		requestID := fmt.Sprintf("reconciliation:%s:%s", entity, window.Format(time.RFC3339))
		res, err := s.trig.Trigger(ctx, requestID, models.TriggerRequest{
			EntityType: string(entity),
			SourceType: string(models.SourceReconciliation),
		})
		if err != nil {
			return errs.Wrapf(err, "enqueue reconciliation for %s", entity)
		}
		if !res.Duplicate {
			logging.Info(ctx, "reconciliation enqueued", slog.String("entity_type", string(entity)), slog.String("event_id", res.ID))
		}
	}
	return nil
}

package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/retry"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

// ErrClaimExpired is recorded as the failure of an attempt whose worker vanished.
var ErrClaimExpired = errors.New("claim expired")

type ReaperConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type StaleStore interface {
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.SyncEvent, error)
	UpdateOutcome(ctx context.Context, u models.OutcomeUpdate) error
}

// Reaper fails claims held longer than ClaimTimeout through the retry policy.
// It goes through the claim-token guard, so a worker finishing late or a
// second reaper simply wins or loses the race.
type Reaper struct {
	cfg    ReaperConfig
	store  StaleStore
	policy retry.Policy
	now    func() time.Time
}

func NewReaper(cfg ReaperConfig, st StaleStore, policy retry.Policy) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{cfg: cfg, store: st, policy: policy, now: time.Now}
}

func (r *Reaper) Run(ctx context.Context) error {
	ctx = logging.WithAttrs(ctx, slog.String("component", "reaper"))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			metrics.StoreErrors.WithLabelValues("reap").Inc()
			logging.Error(ctx, "reap failed", slog.Any("err", errs.Loggable(err)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapOnce recovers one batch of stale claims and reports how many it moved.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stale, err := r.store.ListStale(ctx, now.Add(-r.cfg.ClaimTimeout), r.cfg.BatchSize)
	if err != nil {
		return 0, errs.Wrap(err, "list stale claims")
	}

	reaped := 0
	for _, ev := range stale {
		d := r.policy.Decide(ev.AttemptCount, ErrClaimExpired, true, now)
		var held time.Duration
		if ev.ClaimedAt != nil {
			held = now.Sub(*ev.ClaimedAt)
		}
		err := r.store.UpdateOutcome(ctx, models.OutcomeUpdate{
			ID:            ev.ID,
			ClaimToken:    ev.ClaimToken,
			Status:        d.Status,
			NextAttemptAt: d.NextAttemptAt,
			LastError:     d.LastError,
			Attempt: models.Attempt{
				EventID:    ev.ID,
				Number:     ev.AttemptCount,
				EntityType: ev.EntityType,
				SourceType: ev.SourceType,
				Retryable:  true,
				Error:      ErrClaimExpired.Error(),
				Duration:   held,
				FinishedAt: now,
			},
		})
		if errors.Is(err, store.ErrClaimLost) {
			continue
		}
		if err != nil {
			return reaped, errs.Wrapf(err, "reap %s", ev.ID)
		}

		reaped++
		metrics.ReapedClaims.Inc()
		logging.Warn(ctx, "stale claim reaped",
			slog.String("event_id", ev.ID),
			slog.String("claimed_by", deref(ev.ClaimedBy)),
			slog.String("status", string(d.Status)),
		)
	}
	return reaped, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

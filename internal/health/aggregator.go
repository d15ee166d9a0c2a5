package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// Reader is the read-only slice of the event store the aggregator uses.
type Reader interface {
	Ping(ctx context.Context) error
	Breakdown(ctx context.Context) (models.Breakdown, error)
	OldestPending(ctx context.Context) (*models.SyncEvent, error)
	AttemptWindow(ctx context.Context, since time.Time, source *models.SourceType) (models.AttemptWindow, error)
	Rejections(ctx context.Context, since time.Time) (int64, error)
}

// StoreMonitor reports what the dispatcher last saw of the store.
type StoreMonitor interface {
	StoreHealthy() bool
}

type Config struct {
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Thresholds Thresholds    `mapstructure:"thresholds"`
}

type Aggregator struct {
	store      Reader
	monitor    StoreMonitor
	thresholds Thresholds
	ttl        time.Duration
	version    string
	started    time.Time
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func NewAggregator(st Reader, cfg Config, version string) *Aggregator {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Aggregator{
		store:      st,
		thresholds: cfg.Thresholds,
		ttl:        cfg.CacheTTL,
		version:    version,
		started:    time.Now(),
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// WithMonitor folds the dispatcher's view of the store into health.
func (a *Aggregator) WithMonitor(m StoreMonitor) *Aggregator {
	a.monitor = m
	return a
}

// cached returns the value stored under key while it is fresh, computing it otherwise.
func cached[T any](a *Aggregator, key string, compute func() (T, error)) (T, error) {
	now := a.now()
	a.mu.Lock()
	if e, ok := a.cache[key]; ok && now.Before(e.expires) {
		a.mu.Unlock()
		return e.value.(T), nil
	}
	a.mu.Unlock()

	v, err := compute()
	if err != nil || a.ttl <= 0 {
		return v, err
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{value: v, expires: now.Add(a.ttl)}
	a.mu.Unlock()
	return v, nil
}

type probe struct {
	reachable bool
	latency   time.Duration
}

func (a *Aggregator) ping(ctx context.Context) probe {
	started := time.Now()
	err := a.store.Ping(ctx)
	p := probe{reachable: err == nil, latency: time.Since(started)}
	if err == nil && a.monitor != nil && !a.monitor.StoreHealthy() {
		p.reachable = false
	}
	if err != nil {
		logging.Warn(ctx, "store ping failed", slog.Any("err", errs.Loggable(err)))
	}
	return p
}

// Health assembles the /health document. It never fails: an unreachable
// store is reported as an unhealthy status.
func (a *Aggregator) Health(ctx context.Context) models.HealthResponse {
	res, _ := cached(a, "health", func() (models.HealthResponse, error) {
		return a.health(ctx), nil
	})
	return res
}

func (a *Aggregator) health(ctx context.Context) models.HealthResponse {
	now := a.now().UTC()
	res := models.HealthResponse{
		Timestamp:     now,
		UptimeSeconds: int64(now.Sub(a.started).Seconds()),
		Version:       a.version,
	}

	p := a.ping(ctx)
	res.Database = models.DatabaseHealth{Status: string(StatusHealthy), ResponseTimeMs: p.latency.Milliseconds()}
	if !p.reachable {
		res.Database.Status = string(StatusUnhealthy)
		res.Status = string(StatusUnhealthy)
		return res
	}

	in := Inputs{StoreReachable: true}
	b, err := a.store.Breakdown(ctx)
	if err != nil {
		return a.unreadable(ctx, res, err)
	}
	w, err := a.store.AttemptWindow(ctx, now.Add(-time.Hour), nil)
	if err != nil {
		return a.unreadable(ctx, res, err)
	}
	publishQueueGauges(b)

	in.Backlog = b.Backlog()
	in.CompletedLastHour = w.Completed
	in.FailedLastHour = w.Failed
	res.Queue = models.QueueHealth{
		Pending:           b.ByStatus[models.StatusPending],
		Processing:        b.ByStatus[models.StatusProcessing],
		Failed:            w.Failed,
		CompletedLastHour: w.Completed,
	}
	res.Status = string(Classify(in, a.thresholds))
	return res
}

func (a *Aggregator) unreadable(ctx context.Context, res models.HealthResponse, err error) models.HealthResponse {
	logging.Error(ctx, "health read failed", slog.Any("err", errs.Loggable(err)))
	res.Database.Status = string(StatusUnhealthy)
	res.Status = string(StatusUnhealthy)
	return res
}

// QueueStats assembles the /queue/stats document. Rate windows are null when
// the attempt log cannot be read.
func (a *Aggregator) QueueStats(ctx context.Context) (models.QueueStats, error) {
	return cached(a, "queue_stats", func() (models.QueueStats, error) {
		return a.queueStats(ctx)
	})
}

func (a *Aggregator) queueStats(ctx context.Context) (models.QueueStats, error) {
	now := a.now().UTC()
	b, err := a.store.Breakdown(ctx)
	if err != nil {
		return models.QueueStats{}, errs.Wrap(err, "read breakdown")
	}
	publishQueueGauges(b)

	stats := models.QueueStats{
		Timestamp:   now,
		TotalEvents: b.Total,
		ByStatus:    b.ByStatus,
		ByEntity:    b.ByEntity,
		ByPriority:  b.ByPriority,
	}

	oldest, err := a.store.OldestPending(ctx)
	if err != nil {
		return models.QueueStats{}, errs.Wrap(err, "read oldest pending")
	}
	if oldest != nil {
		stats.OldestPending = &models.OldestPending{
			ID:         oldest.ID,
			CreatedAt:  oldest.CreatedAt,
			EntityType: oldest.EntityType,
			AgeMinutes: now.Sub(oldest.CreatedAt).Minutes(),
		}
	}

	rate, err := a.rate(ctx, now)
	if err != nil {
		logging.Warn(ctx, "processing rate unavailable", slog.Any("err", errs.Loggable(err)))
	} else {
		stats.ProcessingRate = &rate
	}
	return stats, nil
}

func (a *Aggregator) rate(ctx context.Context, now time.Time) (models.ProcessingRate, error) {
	var r models.ProcessingRate
	for _, win := range []struct {
		since time.Duration
		dst   *int64
	}{
		{time.Minute, &r.LastMinute},
		{time.Hour, &r.LastHour},
		{24 * time.Hour, &r.Last24Hours},
	} {
		w, err := a.store.AttemptWindow(ctx, now.Add(-win.since), nil)
		if err != nil {
			return models.ProcessingRate{}, err
		}
		*win.dst = w.Completed
	}
	return r, nil
}

// WebhookHealth reports on events from the external system, counting
// rejected deliveries as failures.
func (a *Aggregator) WebhookHealth(ctx context.Context) models.WebhookHealth {
	res, _ := cached(a, "webhook_health", func() (models.WebhookHealth, error) {
		return a.webhookHealth(ctx), nil
	})
	return res
}

func (a *Aggregator) webhookHealth(ctx context.Context) models.WebhookHealth {
	now := a.now().UTC()
	res := models.WebhookHealth{
		Status: string(StatusUnhealthy),
		Checks: models.WebhookChecks{
			Database:        string(StatusUnhealthy),
			QueueProcessing: string(StatusUnhealthy),
			RecentFailures:  string(StatusUnhealthy),
		},
	}

	if p := a.ping(ctx); !p.reachable {
		return res
	}
	res.Checks.Database = string(StatusHealthy)

	external := models.SourceExternalSystem
	b, err := a.store.Breakdown(ctx)
	if err != nil {
		logging.Error(ctx, "webhook health read failed", slog.Any("err", errs.Loggable(err)))
		return res
	}
	w, err := a.store.AttemptWindow(ctx, now.Add(-time.Hour), &external)
	if err != nil {
		logging.Error(ctx, "webhook health read failed", slog.Any("err", errs.Loggable(err)))
		return res
	}
	rejectedHour, err := a.store.Rejections(ctx, now.Add(-time.Hour))
	if err != nil {
		logging.Error(ctx, "webhook health read failed", slog.Any("err", errs.Loggable(err)))
		return res
	}
	rejectedTotal, err := a.store.Rejections(ctx, time.Time{})
	if err != nil {
		logging.Error(ctx, "webhook health read failed", slog.Any("err", errs.Loggable(err)))
		return res
	}

	in := Inputs{
		StoreReachable:    true,
		CompletedLastHour: w.Completed,
		FailedLastHour:    w.Failed + rejectedHour,
		Backlog:           b.Backlog(),
	}
	res.Metrics = models.WebhookMetrics{
		TotalWebhooksReceived:   b.BySource[external] + rejectedTotal,
		SuccessfulLastHour:      w.Completed,
		FailedLastHour:          in.FailedLastHour,
		AverageProcessingTimeMs: w.AvgDurationMs,
		QueueBacklog:            in.Backlog,
	}
	res.Checks.QueueProcessing = string(BacklogStatus(in.Backlog, a.thresholds))
	res.Checks.RecentFailures = string(StatusHealthy)
	if in.FailureRatio() >= a.thresholds.FailureRatio {
		res.Checks.RecentFailures = string(StatusDegraded)
	}
	res.Status = string(Classify(in, a.thresholds))
	return res
}

func publishQueueGauges(b models.Breakdown) {
	for _, s := range models.AllStatuses {
		metrics.QueueEvents.WithLabelValues(string(s)).Set(float64(b.ByStatus[s]))
	}
}

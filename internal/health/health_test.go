package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

func TestClassify(t *testing.T) {
	low := Thresholds{FailureRatio: 0.1, BacklogSoft: 10, BacklogHard: 50}

	tests := []struct {
		name string
		in   Inputs
		want Status
	}{
		{
			name: "quiet queue",
			in:   Inputs{StoreReachable: true, CompletedLastHour: 100, Backlog: 5},
			want: StatusHealthy,
		},
		{
			name: "idle queue",
			in:   Inputs{StoreReachable: true},
			want: StatusHealthy,
		},
		{
			name: "store down",
			in:   Inputs{StoreReachable: false, CompletedLastHour: 100},
			want: StatusUnhealthy,
		},
		{
			name: "backlog past hard ceiling",
			in:   Inputs{StoreReachable: true, CompletedLastHour: 100, Backlog: 51},
			want: StatusUnhealthy,
		},
		{
			name: "backlog at soft ceiling",
			in:   Inputs{StoreReachable: true, CompletedLastHour: 100, Backlog: 10},
			want: StatusDegraded,
		},
		{
			name: "failure ratio over threshold",
			in:   Inputs{StoreReachable: true, CompletedLastHour: 50, FailedLastHour: 20},
			want: StatusDegraded,
		},
		{
			name: "hard ceiling wins over failures",
			in:   Inputs{StoreReachable: true, FailedLastHour: 500, Backlog: 1000},
			want: StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in, low))
		})
	}
}

func TestFailureRatioIsSmoothed(t *testing.T) {
	assert.InDelta(t, 0.0, Inputs{}.FailureRatio(), 1e-9)
	assert.InDelta(t, 0.5, Inputs{FailedLastHour: 1}.FailureRatio(), 1e-9)
}

type fakeReader struct {
	pingErr   error
	breakdown models.Breakdown
	oldest    *models.SyncEvent
	windows   map[time.Duration]models.AttemptWindow
	external  models.AttemptWindow
	windowErr error
	rejected  int64
	now       time.Time
	calls     int
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

func (f *fakeReader) Breakdown(context.Context) (models.Breakdown, error) {
	f.calls++
	return f.breakdown, nil
}

func (f *fakeReader) OldestPending(context.Context) (*models.SyncEvent, error) {
	return f.oldest, nil
}

func (f *fakeReader) AttemptWindow(_ context.Context, since time.Time, source *models.SourceType) (models.AttemptWindow, error) {
	if f.windowErr != nil {
		return models.AttemptWindow{}, f.windowErr
	}
	if source != nil {
		return f.external, nil
	}
	return f.windows[f.now.Sub(since)], nil
}

func (f *fakeReader) Rejections(context.Context, time.Time) (int64, error) {
	return f.rejected, nil
}

func newFake(now time.Time) *fakeReader {
	return &fakeReader{
		now: now,
		breakdown: models.Breakdown{
			Total: 12,
			ByStatus: map[models.EventStatus]int64{
				models.StatusPending:    3,
				models.StatusProcessing: 1,
				models.StatusRetry:      2,
				models.StatusCompleted:  6,
			},
			ByEntity:   map[models.EntityType]int64{models.EntityProduct: 12},
			BySource:   map[models.SourceType]int64{models.SourceExternalSystem: 8},
			ByPriority: map[models.Priority]int64{models.PriorityHigh: 12},
		},
		windows: map[time.Duration]models.AttemptWindow{
			time.Minute:    {Completed: 2},
			time.Hour:      {Completed: 40, Failed: 1},
			24 * time.Hour: {Completed: 300, Failed: 9},
		},
	}
}

func newTestAggregator(f *fakeReader, ttl time.Duration) *Aggregator {
	a := NewAggregator(f, Config{CacheTTL: ttl}, "test")
	a.now = func() time.Time { return f.now }
	return a
}

func TestHealthReport(t *testing.T) {
	f := newFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	res := newTestAggregator(f, 0).Health(context.Background())

	assert.Equal(t, "healthy", res.Status)
	assert.Equal(t, "healthy", res.Database.Status)
	assert.Equal(t, "test", res.Version)
	assert.Equal(t, models.QueueHealth{Pending: 3, Processing: 1, Failed: 1, CompletedLastHour: 40}, res.Queue)
}

func TestHealthUnreachableStore(t *testing.T) {
	f := newFake(time.Now())
	f.pingErr = errors.New("connection refused")
	res := newTestAggregator(f, 0).Health(context.Background())

	assert.Equal(t, "unhealthy", res.Status)
	assert.Equal(t, "unhealthy", res.Database.Status)
}

type downMonitor struct{}

func (downMonitor) StoreHealthy() bool { return false }

func TestHealthHonoursDispatcherView(t *testing.T) {
	f := newFake(time.Now())
	res := newTestAggregator(f, 0).WithMonitor(downMonitor{}).Health(context.Background())
	assert.Equal(t, "unhealthy", res.Status)
}

func TestHealthIsCached(t *testing.T) {
	f := newFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a := newTestAggregator(f, 2*time.Second)
	ctx := context.Background()

	a.Health(ctx)
	a.Health(ctx)
	assert.Equal(t, 1, f.calls)

	f.now = f.now.Add(3 * time.Second)
	f.windows = map[time.Duration]models.AttemptWindow{time.Hour: {}}
	a.Health(ctx)
	assert.Equal(t, 2, f.calls)
}

func TestQueueStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFake(now)
	f.oldest = &models.SyncEvent{ID: "evt-1", EntityType: models.EntityProduct, CreatedAt: now.Add(-90 * time.Second)}

	stats, err := newTestAggregator(f, 0).QueueStats(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 12, stats.TotalEvents)
	assert.EqualValues(t, 3, stats.ByStatus[models.StatusPending])
	require.NotNil(t, stats.OldestPending)
	assert.Equal(t, "evt-1", stats.OldestPending.ID)
	assert.InDelta(t, 1.5, stats.OldestPending.AgeMinutes, 1e-9)
	require.NotNil(t, stats.ProcessingRate)
	assert.Equal(t, models.ProcessingRate{LastMinute: 2, LastHour: 40, Last24Hours: 300}, *stats.ProcessingRate)
}

func TestQueueStatsWithoutAttemptLog(t *testing.T) {
	f := newFake(time.Now())
	f.windowErr = errors.New("no such table: sync_attempts")

	stats, err := newTestAggregator(f, 0).QueueStats(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stats.OldestPending)
	assert.Nil(t, stats.ProcessingRate)
	assert.EqualValues(t, 12, stats.TotalEvents)
}

func TestWebhookHealth(t *testing.T) {
	f := newFake(time.Now())
	f.external = models.AttemptWindow{Completed: 30, Failed: 2, AvgDurationMs: 12.5}
	f.rejected = 4

	res := newTestAggregator(f, 0).WebhookHealth(context.Background())

	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, models.WebhookChecks{
		Database:        "healthy",
		QueueProcessing: "healthy",
		RecentFailures:  "degraded",
	}, res.Checks)
	assert.Equal(t, models.WebhookMetrics{
		TotalWebhooksReceived:   12,
		SuccessfulLastHour:      30,
		FailedLastHour:          6,
		AverageProcessingTimeMs: 12.5,
		QueueBacklog:            5,
	}, res.Metrics)
}

func TestWebhookHealthStoreDown(t *testing.T) {
	f := newFake(time.Now())
	f.pingErr = errors.New("down")
	res := newTestAggregator(f, 0).WebhookHealth(context.Background())
	assert.Equal(t, "unhealthy", res.Status)
	assert.Equal(t, "unhealthy", res.Checks.Database)
}

package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

func TestSchedulerDeduplicatesPerWindow(t *testing.T) {
	s := openStore(t)
	gw := ingest.NewGateway(s, nil)

	a, err := NewScheduler(SchedulerConfig{Interval: time.Hour, Entities: []string{"product", "customer"}}, gw)
	require.NoError(t, err)
	b, err := NewScheduler(SchedulerConfig{Interval: time.Hour, Entities: []string{"product"}}, gw)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	a.now = func() time.Time { return at }
	b.now = func() time.Time { return at.Add(30 * time.Minute) }

	ctx := context.Background()
	require.NoError(t, a.Tick(ctx))
	require.NoError(t, b.Tick(ctx))
	require.NoError(t, a.Tick(ctx))

	bd, err := s.Breakdown(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, bd.Total)
	assert.EqualValues(t, 2, bd.BySource[models.SourceReconciliation])

	a.now = func() time.Time { return at.Add(time.Hour) }
	require.NoError(t, a.Tick(ctx))
	bd, err = s.Breakdown(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, bd.Total)

	got, err := s.List(ctx, models.EventFilter{})
	require.NoError(t, err)
	sourceIDs := make([]string, 0, len(got))
	for _, ev := range got {
		sourceIDs = append(sourceIDs, ev.SourceID)
	}
	assert.Contains(t, sourceIDs, "reconciliation:product:2026-03-01T10:00:00Z")
	assert.Contains(t, sourceIDs, "reconciliation:customer:2026-03-01T09:00:00Z")
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Interval: 0}, nil)
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Interval: time.Minute, Entities: []string{"widget"}}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidEnum)
}

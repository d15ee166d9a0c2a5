package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/PratikDhanave/sync-queue-service/internal/config"
	"github.com/PratikDhanave/sync-queue-service/internal/dispatcher"
	"github.com/PratikDhanave/sync-queue-service/internal/health"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/retry"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

func testConfig() config.Config {
	cfg := config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			URL:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		},
		HTTP:       config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Auth:       config.AuthConfig{Keys: map[string]string{"k": "alice"}},
		Dispatcher: dispatcher.Config{Workers: 2, PollInterval: 20 * time.Millisecond, ShutdownGrace: time.Second},
		Retry:      retry.DefaultPolicy(),
		Processor:  config.ProcessorConfig{Target: "store"},
		Health:     health.Config{},
	}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Interval = time.Hour
	cfg.Scheduler.Entities = []string{"branch"}
	return cfg
}

// The full serve graph starts, processes a trigger end to end and stops.
func TestServeGraph(t *testing.T) {
	var (
		st store.Store
		gw *ingest.Gateway
	)
	app := fxtest.New(t,
		Module,
		fx.Supply(testConfig()),
		fx.Provide(func() context.Context { return context.Background() }),
		fx.Invoke(StartWorkers, StartIngestion, StartHTTP),
		fx.Populate(&st, &gw),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	res, err := gw.Trigger(ctx, "req-1", models.TriggerRequest{
		EntityType: "product",
		Payload:    []byte(`{"sku":"SKU-9","version":4}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, err := st.Get(ctx, res.ID)
		return err == nil && ev.Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := st.Snapshot(ctx, models.EntityProduct, "SKU-9")
	require.NoError(t, err)
	require.EqualValues(t, 4, snap.Version)

	// The scheduler ticks once on start.
	require.Eventually(t, func() bool {
		list, err := st.List(ctx, models.EventFilter{})
		if err != nil {
			return false
		}
		for _, ev := range list {
			if ev.SourceType == models.SourceReconciliation && ev.EntityType == models.EntityBranch {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/PratikDhanave/sync-queue-service/internal/config"
	"github.com/PratikDhanave/sync-queue-service/internal/dispatcher"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/health"
	"github.com/PratikDhanave/sync-queue-service/internal/httpserver"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

// Runner is a long-lived background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// runInBackground starts r on fx start and cancels it on fx stop, waiting
// for it to return or for the stop deadline.
func runInBackground(lc fx.Lifecycle, ctx context.Context, name string, r Runner) {
	runCtx, cancel := context.WithCancel(logging.WithAttrs(ctx, slog.String("runner", name)))
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := r.Run(runCtx); err != nil {
					logging.Error(runCtx, "background runner failed", slog.Any("err", errs.Loggable(err)))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return errs.Wrapf(stopCtx.Err(), "stop %s", name)
			}
		},
	})
}

// StartWorkers runs the dispatcher and the reaper.
func StartWorkers(lc fx.Lifecycle, ctx context.Context, d *dispatcher.Dispatcher, r *dispatcher.Reaper) {
	runInBackground(lc, ctx, "dispatcher", d)
	runInBackground(lc, ctx, "reaper", r)
}

// StartIngestion runs the optional reconciliation scheduler and change feed.
func StartIngestion(lc fx.Lifecycle, ctx context.Context, cfg config.Config, gw *ingest.Gateway) error {
	if cfg.Scheduler.Enabled {
		s, err := dispatcher.NewScheduler(cfg.Scheduler.SchedulerConfig, gw)
		if err != nil {
			return err
		}
		runInBackground(lc, ctx, "scheduler", s)
	}
	if cfg.Feed.Enabled {
		runInBackground(lc, ctx, "feed", ingest.NewFeed(cfg.Feed.FeedConfig, gw))
	}
	return nil
}

// StartHTTP serves the API. In the same process the dispatcher's view of the
// store feeds /health.
func StartHTTP(lc fx.Lifecycle, ctx context.Context, cfg config.Config, st store.Store, gw *ingest.Gateway, agg *health.Aggregator, d *dispatcher.Dispatcher) {
	router := httpserver.NewRouter(cfg.Auth.Keys, httpserver.Deps{
		Health:   agg.WithMonitor(d),
		Pinger:   st,
		Webhooks: gw,
		Queue:    gw,
		Reader:   st,
	})
	srv := httpserver.New(cfg.HTTP, router)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start(ctx)
		},
		OnStop: srv.Shutdown,
	})
}

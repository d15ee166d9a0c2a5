// Package bootstrap wires the service's components with fx.
package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/PratikDhanave/sync-queue-service/internal/config"
	"github.com/PratikDhanave/sync-queue-service/internal/dispatcher"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/health"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/notify"
	"github.com/PratikDhanave/sync-queue-service/internal/processor"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
	"github.com/PratikDhanave/sync-queue-service/internal/tracing"
)

// Module provides every component. Commands choose what runs by invoking
// the start functions below.
var Module = fx.Options(
	fx.Provide(provideStore),
	fx.Provide(provideNotifier),
	fx.Provide(provideGateway),
	fx.Provide(provideRegistry),
	fx.Provide(provideDispatcher),
	fx.Provide(provideReaper),
	fx.Provide(provideAggregator),
	fx.Invoke(startTracing),
)

// migrator is implemented by both store backends.
type migrator interface {
	EnsureSchema(ctx context.Context) error
}

func provideStore(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (store.Store, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap"), slog.String("driver", cfg.Database.Driver))

	var (
		st  store.Store
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		st, err = store.NewPostgres(logCtx, cfg.Database.URL)
	default:
		st, err = store.OpenSQLite(logCtx, cfg.Database.URL)
	}
	if err != nil {
		return nil, errs.Wrap(err, "open store")
	}

	// Ensure required tables/indexes exist so a fresh database works.
	if err := st.(migrator).EnsureSchema(logCtx); err != nil {
		_ = st.Close()
		return nil, errs.Wrap(err, "ensure schema")
	}
	logging.Info(logCtx, "store ready")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func provideNotifier(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (notify.Notifier, error) {
	var n notify.Notifier = notify.NewLocal()
	if cfg.Notify.NATSURL != "" {
		nn, err := notify.NewNATS(ctx, cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			return nil, err
		}
		n = nn
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return n.Close()
		},
	})
	return n, nil
}

func provideGateway(cfg config.Config, st store.Store, n notify.Notifier) *ingest.Gateway {
	return ingest.NewGateway(st, n,
		ingest.WithSecrets(cfg.Webhooks.Providers),
		ingest.WithTolerance(cfg.Webhooks.Tolerance),
	)
}

func provideRegistry(cfg config.Config, st store.Store) *processor.Registry {
	var target processor.Target = processor.StoreTarget{Store: st}
	if cfg.Processor.Target == "http" {
		target = processor.NewHTTPTarget(cfg.Processor.BaseURL, cfg.Processor.RequestTimeout)
	}
	return processor.NewDefaultRegistry(cfg.ProcessorOptions(), target)
}

func provideDispatcher(cfg config.Config, st store.Store, reg *processor.Registry, n notify.Notifier) *dispatcher.Dispatcher {
	return dispatcher.New(cfg.Dispatcher, st, reg, cfg.Retry, n)
}

func provideReaper(cfg config.Config, st store.Store) *dispatcher.Reaper {
	return dispatcher.NewReaper(cfg.Reaper, st, cfg.Retry)
}

func provideAggregator(cfg config.Config, st store.Store) *health.Aggregator {
	return health.NewAggregator(st, cfg.Health, cfg.App.Version)
}

func startTracing(lc fx.Lifecycle, ctx context.Context, cfg config.Config) error {
	shutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return nil
}

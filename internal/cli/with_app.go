package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/PratikDhanave/sync-queue-service/internal/bootstrap"
	"github.com/PratikDhanave/sync-queue-service/internal/config"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 30 * time.Second
)

// withApp loads config, builds the fx graph with the extra options, starts
// it, runs fn and stops it again.
func withApp(opts []fx.Option, fn func(ctx context.Context) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := logging.WithAttrs(cmd.Context(),
			slog.String("command", cmd.CommandPath()),
			slog.String("config_file", cfgFile),
		)

		cfg, err := config.Load(ctx, cfgFile)
		if err != nil {
			return errs.Wrap(err, "load config")
		}
		ctx = logging.WithLogger(ctx, logging.New(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level))
		ctx = logging.WithAttrs(ctx, slog.String("env", cfg.App.Env), slog.String("version", cfg.App.Version))

		fxApp := fx.New(append([]fx.Option{
			bootstrap.Module,
			fx.Supply(cfg),
			fx.Provide(func() context.Context { return ctx }),
			fx.NopLogger,
		}, opts...)...)

		startCtx, cancelStart := context.WithTimeout(ctx, startTimeout)
		defer cancelStart()
		if err := fxApp.Start(startCtx); err != nil {
			return errs.Wrap(err, "start application")
		}

		defer func() {
			stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancelStop()
			if err := fxApp.Stop(stopCtx); err != nil {
				logging.Error(ctx, "application stop failed", slog.Any("err", errs.Loggable(err)))
			}
		}()

		return fn(ctx)
	}
}

// untilSignal blocks until SIGINT/SIGTERM or ctx ends.
func untilSignal(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logging.Info(ctx, "shutting down")
	return nil
}

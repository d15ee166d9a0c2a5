// Package cli is the syncq command line.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "syncq",
	Short:        "Durable sync event queue between an external system and local entities",
	SilenceUsage: true,
}

// Execute runs the root command. It only needs to happen once.
func Execute(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	ctx = logging.WithLogger(ctx, logging.New(os.Stderr, "text", "info"))
	ctx = logging.WithAttrs(ctx, slog.String("app", "syncq"))
	rootCmd.SetContext(ctx)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error(ctx, "command execution failed", slog.Any("err", errs.Loggable(err)))
		return errs.Wrap(err, "execute root command")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (YAML)")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, replayCmd, statsCmd)
}

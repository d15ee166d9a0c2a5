package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/PratikDhanave/sync-queue-service/internal/bootstrap"
	"github.com/PratikDhanave/sync-queue-service/internal/health"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatcher, reaper and optional scheduler and change feed",
	RunE: withApp(
		[]fx.Option{fx.Invoke(bootstrap.StartWorkers, bootstrap.StartIngestion, bootstrap.StartHTTP)},
		untilSignal,
	),
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the dispatcher and reaper",
	RunE: withApp(
		[]fx.Option{fx.Invoke(bootstrap.StartWorkers)},
		untilSignal,
	),
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the store schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store applies the schema.
		return withApp(
			[]fx.Option{fx.Invoke(func(store.Store) {})},
			func(ctx context.Context) error {
				logging.Info(ctx, "schema is up to date")
				return nil
			},
		)(cmd, args)
	},
}

var replayRequestID string

var replayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Re-enqueue a dead-lettered event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var gw *ingest.Gateway
		return withApp(
			[]fx.Option{fx.Populate(&gw)},
			func(ctx context.Context) error {
				requestID := replayRequestID
				if requestID == "" {
					requestID = uuid.NewString()
				}
				res, err := gw.Replay(ctx, args[0], requestID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"event_id": res.ID, "duplicate": res.Duplicate})
			},
		)(cmd, args)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var agg *health.Aggregator
		return withApp(
			[]fx.Option{fx.Populate(&agg)},
			func(ctx context.Context) error {
				stats, err := agg.QueueStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			},
		)(cmd, args)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayRequestID, "request-id", "", "Idempotency key; repeating it returns the first replay")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Command webhookctl runs operator maintenance against the webhook store:
// sweeping abandoned processing log rows, applying migrations and dumping
// the history of one event.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/toko-webhooks/internal/app"
	"github.com/noah-isme/toko-webhooks/internal/config"
	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/migrations"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/proclog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logFormat, logLevel string
	root := &cobra.Command{
		Use:           "webhookctl",
		Short:         "Maintenance commands for the webhook ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format (json, console)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	logger := func() zerolog.Logger {
		return obs.NewLogger(logFormat, logLevel).With().Str("component", "webhookctl").Logger()
	}

	root.AddCommand(newSweepCmd(logger), newMigrateCmd(logger), newInspectCmd(logger))
	return root
}

func newSweepCmd(logger func() zerolog.Logger) *cobra.Command {
	var olderThan, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark processing log rows stuck in started as expired",
		Long: `Rows stay in "started" when the process died mid-event. sweep moves every
such row older than --older-than to "expired" so operators can find them.
Run it from cron; it is safe to run concurrently.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < time.Minute {
				return errors.New("--older-than must be at least 1m")
			}
			log := logger()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			_, deps, err := openStore(ctx, log)
			if err != nil {
				return err
			}
			defer deps.Close(log)

			cutoff := time.Now().Add(-olderThan)
			n, err := sweep(ctx, proclog.NewStore(deps.DB), cutoff)
			if err != nil {
				return err
			}
			log.Info().Int64("expired", n).Time("cutoff", cutoff).Msg("proclog_sweep_done")
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "age after which a started row is abandoned")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")
	return cmd
}

func sweep(ctx context.Context, store proclog.Store, cutoff time.Time) (int64, error) {
	n, err := store.ExpireStarted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire started rows: %w", err)
	}
	return n, nil
}

func newMigrateCmd(logger func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStore()
			if err != nil {
				return err
			}
			if err := migrations.Up(cfg.DatabaseURL); err != nil {
				return err
			}
			log := logger()
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newInspectCmd(logger func() zerolog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "inspect <event-id>",
		Short: "Print the processing history and idempotency record of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cfg, deps, err := openStore(ctx, log)
			if err != nil {
				return err
			}
			defer deps.Close(log)
			records, err := app.NewDedupStore(cfg.Dedup, deps)
			if err != nil {
				return err
			}
			return inspect(ctx, cmd.OutOrStdout(), proclog.NewStore(deps.DB), records, args[0])
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall command timeout")
	return cmd
}

type inspection struct {
	EventID string          `json:"event_id"`
	Entries []proclog.Entry `json:"entries"`
	Record  *dedup.Record   `json:"idempotency_record,omitempty"`
}

func inspect(ctx context.Context, out io.Writer, logs proclog.Store, records dedup.Store, eventID string) error {
	entries, err := logs.ListByEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("list processing log: %w", err)
	}
	view := inspection{EventID: eventID, Entries: entries}
	record, err := records.Get(ctx, eventID)
	switch {
	case err == nil:
		view.Record = &record
	case !errors.Is(err, dedup.ErrNotFound):
		return fmt.Errorf("load idempotency record: %w", err)
	}
	if len(view.Entries) == 0 && view.Record == nil {
		return fmt.Errorf("event %s: no processing history", eventID)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// openStore connects to Postgres, and to Redis only when it holds the
// idempotency records.
func openStore(ctx context.Context, log zerolog.Logger) (*config.Config, *app.Dependencies, error) {
	cfg, err := config.LoadStore()
	if err != nil {
		return nil, nil, err
	}
	// Migrations are an explicit subcommand here.
	cfg.MigrateOnStart = false
	deps, err := app.Open(ctx, cfg, app.OpenOptions{
		ApplicationName: "webhookctl",
		SkipRedis:       cfg.Dedup.Backend != "redis",
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, deps, nil
}

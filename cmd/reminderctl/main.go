package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"reminder-engine/internal/app"
	"reminder-engine/internal/config"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "reminderctl",
		Short:        "Operate the reminder engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	withApp := func(fn func(ctx context.Context, a *app.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.Build(ctx, cfg, logging.NewWithOutput(cfg.LogLevel, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s database.\n", cfg.Database.Driver)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Run one scheduling cycle now",
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			report, err := a.Scheduler.RunCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Expire stale reminders, requeue stuck ones and purge old records",
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			report, err := a.Scheduler.RunCleanup(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "queues",
		Short: "Show queue sizes, lock holders and Redis metrics",
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			sizes, err := a.Queue.Sizes(ctx)
			if err != nil {
				return err
			}
			summary, err := a.Queue.MetricsSummary(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, map[string]any{
				"sizes":     sizes,
				"metrics":   summary,
				"scheduler": a.Scheduler.Status(ctx),
			})
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show reminder counts and delivery rate",
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			st, err := a.Service.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a reminder that has not been sent",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			if err := a.Service.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Reminder %s cancelled.\n", args[0])
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Resubmit a failed reminder as a new one",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			r, err := a.Service.ForceRetry(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, r)
		}),
	})

	return root
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

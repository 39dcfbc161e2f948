// Package main is the streamctl operator tool. Every mutating command
// works by appending events through the ledger — never by writing
// projections directly — so the event log stays the total description
// of state. reset-bus is the one infrastructure command.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/homelab/lifestream/internal/admin"
	"github.com/homelab/lifestream/internal/buildinfo"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/config"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/router"
	"github.com/homelab/lifestream/internal/tagcatalog"
)

// errUsage marks an operator mistake (bad flags, bad arguments) so
// main can exit 1 instead of the infrastructure code 2.
var errUsage = errors.New("usage error")

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "streamctl",
		Short:         "Operator tooling for the life stream pipeline",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(setVisibilityCmd())
	root.AddCommand(retryFailedCmd())
	root.AddCommand(recoverStuckCmd())
	root.AddCommand(resetBusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// tooling bundles everything a command needs, opened lazily per
// invocation and closed by the caller.
type tooling struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	runner *admin.Runner
}

func (t *tooling) close() {
	if t.pool != nil {
		t.pool.Close()
	}
}

func openTooling(ctx context.Context) (*tooling, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pc, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pc.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger migration: %w", err)
	}

	return &tooling{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		runner: &admin.Runner{
			Reads:  admin.NewWithPool(pool),
			Ledger: led,
			Logger: logger,
		},
	}, nil
}

func printReport(verb string, report *admin.Report) {
	if report.DryRun {
		fmt.Printf("dry run: would %s %d subject(s)\n", verb, len(report.Subjects))
	} else {
		fmt.Printf("%s %d subject(s), %d event(s) appended\n", verb, len(report.Subjects), report.Emitted)
	}
	for _, s := range report.Subjects {
		fmt.Printf("  %s\n", s)
	}
}

func setVisibilityCmd() *cobra.Command {
	var opts admin.SetVisibilityOptions
	cmd := &cobra.Command{
		Use:   "set-visibility",
		Short: "Emit link.visibility_changed for matching links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.SubjectID == "" && !opts.All {
				return fmt.Errorf("%w: need --subject-id or --all", errUsage)
			}
			if opts.Visibility != "public" && opts.Visibility != "private" {
				return fmt.Errorf("%w: --visibility must be public or private", errUsage)
			}

			ctx := cmd.Context()
			t, err := openTooling(ctx)
			if err != nil {
				return err
			}
			defer t.close()

			report, err := t.runner.SetVisibility(ctx, opts)
			if err != nil {
				return err
			}
			printReport("change visibility of", report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "change one subject")
	cmd.Flags().BoolVar(&opts.All, "all", false, "change every matching link")
	cmd.Flags().StringVar(&opts.Status, "status", "", "with --all, only links in this status")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", "", "target visibility (public|private)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without emitting")
	return cmd
}

func retryFailedCmd() *cobra.Command {
	var opts admin.RetryFailedOptions
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Restart the pipeline for links stuck in status=error",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTooling(ctx)
			if err != nil {
				return err
			}
			defer t.close()

			report, err := t.runner.RetryFailed(ctx, opts)
			if err != nil {
				return err
			}
			printReport("retry", report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "retry one subject")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max subjects to retry")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 3, "skip subjects at or above this retry count")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without emitting")
	return cmd
}

func recoverStuckCmd() *cobra.Command {
	var opts admin.RecoverStuckOptions
	cmd := &cobra.Command{
		Use:   "recover-stuck",
		Short: "Re-emit enrichment.completed for dirty, stalled subjects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.SubjectID == "" && !opts.All {
				return fmt.Errorf("%w: need --subject-id or --all", errUsage)
			}

			ctx := cmd.Context()
			t, err := openTooling(ctx)
			if err != nil {
				return err
			}
			defer t.close()

			report, err := t.runner.RecoverStuck(ctx, opts)
			if err != nil {
				return err
			}
			printReport("recover", report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "recover one subject")
	cmd.Flags().BoolVar(&opts.All, "all", false, "recover every stuck subject")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without emitting")
	return cmd
}

func resetBusCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-bus",
		Short: "Delete and recreate all topics, then enable full replay",
		Long: `Deletes and recreates every core topic, clears the idempotency
ledger and consumer progress, and resets the forwarded flag on all
events so the outbox republishes the entire log.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("%w: reset-bus is destructive, pass --yes to confirm", errUsage)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			t, err := openTooling(ctx)
			if err != nil {
				return err
			}
			defer t.close()

			topics, err := bus.NewAdminClient(t.cfg.Bus.Brokers, t.cfg.Bus.SASLUser, t.cfg.Bus.SASLPassword)
			if err != nil {
				return err
			}
			defer topics.Close()

			specs := []admin.TopicSpec{
				{Name: router.EventsTopic, Partitions: 3},
				{Name: tagcatalog.Topic, Partitions: 1},
				{Name: router.WorkTopic(eventtypes.WorkFetchLink), Partitions: 3},
				{Name: router.WorkTopic(eventtypes.WorkEnrichLink), Partitions: 3},
				{Name: router.WorkTopic(eventtypes.WorkPublishLink), Partitions: 3},
				{Name: router.DeadLetterTopic, Partitions: 1},
			}
			if err := t.runner.ResetBus(ctx, topics, specs); err != nil {
				return err
			}
			fmt.Println("bus reset; outbox will republish the full event log")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}

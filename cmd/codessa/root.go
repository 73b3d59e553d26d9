package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/codessa/internal/api"
	"github.com/MikeSquared-Agency/codessa/internal/config"
	"github.com/MikeSquared-Agency/codessa/internal/daemon"
	"github.com/MikeSquared-Agency/codessa/internal/hermes"
	"github.com/MikeSquared-Agency/codessa/internal/ledger"
	"github.com/MikeSquared-Agency/codessa/internal/materializer"
	"github.com/MikeSquared-Agency/codessa/internal/pipeline"
	"github.com/MikeSquared-Agency/codessa/internal/report"
	"github.com/MikeSquared-Agency/codessa/internal/retry"
	"github.com/MikeSquared-Agency/codessa/internal/slack"
	"github.com/MikeSquared-Agency/codessa/internal/store"
	"github.com/MikeSquared-Agency/codessa/internal/tracker"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/upsert"
)

// workspaceStore is everything the daemon needs from a store.
type workspaceStore interface {
	upsert.Store
	materializer.Store
	api.ActionStore
}

type runFlags struct {
	captureOnly bool
	executeOnly bool
	continuous  bool
	interval    time.Duration
	dryRun      bool
	file        string
}

func newRootCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "codessa",
		Short: "Sync assistant conversation exports into the workspace and push queued actions to GitHub",
		Long: `codessa parses conversation exports (ChatGPT, Claude, Claude Code, gateway),
extracts code, spec and diagram artifacts, upserts them into the workspace
store, and materializes queued execution actions as GitHub issues and pull
requests.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("interval") {
				cfg.Interval = flags.interval
			}
			if flags.dryRun {
				cfg.DryRun = true
			}
			setupLogging(cfg.LogLevel)
			return run(cmd.Context(), cfg, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.captureOnly, "capture-only", false, "only ingest exports, do not push actions")
	cmd.Flags().BoolVar(&flags.executeOnly, "execute-only", false, "only push queued actions")
	cmd.Flags().BoolVar(&flags.continuous, "continuous", false, "keep running, syncing every --interval")
	cmd.Flags().DurationVar(&flags.interval, "interval", time.Hour, "time between passes in continuous mode")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "parse and extract without writing to the store, ledger or tracker")
	cmd.Flags().StringVar(&flags.file, "file", "", "process a single export file")
	cmd.MarkFlagsMutuallyExclusive("capture-only", "execute-only")

	cmd.AddCommand(newEnqueueCmd(), newLedgerCmd())
	return cmd
}

func run(ctx context.Context, cfg config.Config, flags runFlags) error {
	logger := slog.Default()
	logger.Info("codessa starting",
		"exports", cfg.ExportsPath,
		"dry_run", cfg.DryRun,
		"continuous", flags.continuous,
	)

	var (
		ws  workspaceStore
		db  *store.Store
		mem *store.Memory
	)
	if cfg.DryRun {
		mem = store.NewMemory()
		ws = mem
		logger.Info("dry run: using in-memory workspace")
	} else {
		var err error
		db, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		ws = db
	}

	led, err := openLedger(ctx, cfg, db, mem)
	if err != nil {
		return err
	}

	var capture daemon.Capturer
	if !flags.executeOnly {
		capture = pipeline.NewRunner(pipeline.Config{
			Root:       cfg.ExportsPath,
			SingleFile: flags.file,
			Workers:    cfg.Workers,
			DryRun:     cfg.DryRun,
		}, transcript.DefaultRegistry(), led, upsert.New(ws, logger), logger)
	}

	var execute daemon.Executor
	switch {
	case flags.captureOnly:
	case cfg.DryRun:
		logger.Info("dry run: execute phase disabled")
	default:
		tr, err := tracker.New(ctx, tracker.Config{
			Token:   cfg.GitHubToken,
			Owner:   cfg.GitHubOwner,
			BaseURL: cfg.GitHubAPIURL,
			RPS:     cfg.TrackerRPS,
		}, logger)
		if err != nil {
			return fmt.Errorf("tracker: %w", err)
		}
		execute = materializer.New(ws, tr, materializer.Config{
			Policy: retry.Policy{
				MaxRetries: cfg.MaxRetries,
				BaseDelay:  cfg.BaseDelay,
				MaxDelay:   cfg.MaxDelay,
			},
			Workers:   cfg.ActionWorkers,
			BatchSize: cfg.BatchSize,
		}, logger)
	}

	sinks := []daemon.Sink{printSummary}

	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return err
		}
		defer hermesClient.Close()
		logger.Info("NATS connected", "url", cfg.NatsURL)
		sinks = append(sinks, func(_ context.Context, phase string, s report.Summary) {
			if err := hermes.PublishSummary(hermesClient, phase, s); err != nil {
				logger.Warn("failed to publish run events", "phase", phase, "error", err)
			}
		})
	}

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		poster := slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		sinks = append(sinks, func(ctx context.Context, phase string, s report.Summary) {
			if _, err := poster.PostRunSummary(context.WithoutCancel(ctx), phase, s); err != nil {
				logger.Warn("failed to post summary to slack", "phase", phase, "error", err)
			}
		})
	} else {
		logger.Info("slack not configured, summaries stay local")
	}

	if flags.continuous {
		srv := api.NewServer(cfg.Port, cfg.APIToken, ws)
		sinks = append(sinks, func(_ context.Context, phase string, s report.Summary) {
			srv.RecordRun(phase, s)
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	d, err := daemon.New(capture, execute, daemon.Options{
		CaptureOnly: flags.captureOnly,
		ExecuteOnly: flags.executeOnly,
		Continuous:  flags.continuous,
		Interval:    cfg.Interval,
	}, logger, sinks...)
	if err != nil {
		return err
	}

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	logger.Info("codessa stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required (use --dry-run to run without a database)")
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("database connected")
	return db, nil
}

func openLedger(ctx context.Context, cfg config.Config, db *store.Store, mem *store.Memory) (*ledger.Ledger, error) {
	var backend ledger.Backend
	switch cfg.LedgerBackend {
	case "postgres":
		if mem != nil {
			backend = mem.LedgerBackend()
			break
		}
		if db == nil {
			return nil, errors.New("postgres ledger backend needs DATABASE_URL")
		}
		backend = db.LedgerBackend()
	case "file", "":
		backend = ledger.NewFileBackend(cfg.LedgerPath)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
	led, err := ledger.Open(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

func printSummary(_ context.Context, phase string, s report.Summary) {
	fmt.Printf("\n=== Codessa %s Summary ===\n", phase)
	fmt.Print(report.FormatSummary(s))
}

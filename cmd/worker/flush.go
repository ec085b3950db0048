package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/app"
	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/logger"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const allContexts = "all"

type flushOptions struct {
	Context     string
	BatchSize   int
	Interval    time.Duration
	Continuous  bool
	MaxRetries  int
	RetryDelay  time.Duration
	RetryFailed bool
	Cleanup     bool
	CleanupDays int
	Stats       bool
	DryRun      bool
	Verbose     bool
}

// target is one context's dispatcher as the flush modes use it.
type target struct {
	Name       string
	Dispatcher dispatcher
}

type dispatcher interface {
	worker.Dispatcher
	Preview(ctx context.Context, batchSize int) ([]model.OutboxEvent, error)
	PreviewRetry(ctx context.Context) ([]model.OutboxEvent, error)
	CleanupPreview(ctx context.Context, retentionDays int) (int64, error)
	Stats(ctx context.Context) (outbox.Stats, error)
}

func newFlushCmd() *cobra.Command {
	var o flushOptions
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver pending outbox events (once or continuously)",
		Long: `Deliver pending outbox events (once or continuously).

Each cycle flushes pending records. With --retry-failed the cycle also runs
a sweep over previously failed records after the flush; it is not a separate
retry-only mode. --stats and --cleanup run once and exit, and --dry-run
reports without claiming, delivering or deleting anything.

Log verbosity follows log.level (OUTBOX_LOG_LEVEL); --verbose forces debug.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			o = applyConfigDefaults(o, cmd.Flags(), cfg.Dispatcher)
			return runFlushCmd(cmd, cfg, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.Context, "context", "expense", "bounded context to process, or \"all\"")
	f.IntVar(&o.BatchSize, "batch-size", 100, "max records claimed per cycle")
	f.DurationVar(&o.Interval, "interval", 30*time.Second, "pause between cycles in continuous mode")
	f.BoolVar(&o.Continuous, "continuous", false, "keep running until SIGINT/SIGTERM")
	f.IntVar(&o.MaxRetries, "max-retries", outbox.DefaultMaxRetries, "failed attempts before a record is dead")
	f.DurationVar(&o.RetryDelay, "retry-delay", outbox.DefaultRetryDelay, "minimum wait after a failed attempt")
	f.BoolVar(&o.RetryFailed, "retry-failed", false, "after each flush, also sweep previously failed records whose retry delay elapsed")
	f.BoolVar(&o.Cleanup, "cleanup", false, "delete processed records older than --cleanup-days and exit")
	f.IntVar(&o.CleanupDays, "cleanup-days", 30, "retention for processed records")
	f.BoolVar(&o.Stats, "stats", false, "print outbox statistics and exit")
	f.BoolVar(&o.DryRun, "dry-run", false, "show what would be processed or deleted without changing anything")
	f.BoolVarP(&o.Verbose, "verbose", "v", false, "log at debug level, overriding log.level")

	return cmd
}

// applyConfigDefaults fills every flag the user did not set from config.
func applyConfigDefaults(o flushOptions, flags *pflag.FlagSet, c config.DispatcherConfig) flushOptions {
	if !flags.Changed("batch-size") && c.BatchSize > 0 {
		o.BatchSize = c.BatchSize
	}
	if !flags.Changed("interval") && c.Interval > 0 {
		o.Interval = c.Interval
	}
	if !flags.Changed("max-retries") && c.MaxRetries > 0 {
		o.MaxRetries = c.MaxRetries
	}
	if !flags.Changed("retry-delay") && c.RetryDelay > 0 {
		o.RetryDelay = c.RetryDelay
	}
	if !flags.Changed("cleanup-days") && c.CleanupDays > 0 {
		o.CleanupDays = c.CleanupDays
	}
	return o
}

func logLevel(o flushOptions, c config.LogConfig) string {
	if o.Verbose {
		return "debug"
	}
	return c.Level
}

func runFlushCmd(cmd *cobra.Command, cfg config.Config, o flushOptions) error {
	cfg.Dispatcher.MaxRetries = o.MaxRetries
	cfg.Dispatcher.RetryDelay = o.RetryDelay

	log, err := logger.New(logLevel(o, cfg.Log))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.Open(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	names := []string{o.Context}
	if o.Context == allContexts {
		names = names[:0]
		for _, cc := range cfg.Contexts {
			names = append(names, cc.Name)
		}
	}

	targets := make([]target, 0, len(names))
	for _, name := range names {
		oc, err := a.Context(name, app.DispatcherConfig(cfg.Dispatcher))
		if err != nil {
			return err
		}
		targets = append(targets, target{Name: name, Dispatcher: oc.Dispatcher})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runFlush(ctx, cmd.OutOrStdout(), log, o, targets, cfg.Dispatcher.CleanupEvery)
}

// runFlush executes the selected mode against every target concurrently.
func runFlush(ctx context.Context, out io.Writer, log *zap.Logger, o flushOptions, targets []target, cleanupEvery int) error {
	var mu sync.Mutex
	emit := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			l := log.With(zap.String("context", t.Name))
			switch {
			case o.Stats:
				st, err := t.Dispatcher.Stats(gctx)
				if err != nil {
					return err
				}
				return emit(map[string]any{"context": t.Name, "stats": st})

			case o.Cleanup:
				var n int64
				var err error
				if o.DryRun {
					n, err = t.Dispatcher.CleanupPreview(gctx, o.CleanupDays)
				} else {
					n, err = t.Dispatcher.Cleanup(gctx, o.CleanupDays)
				}
				if err != nil {
					return err
				}
				return emit(map[string]any{"context": t.Name, "dry_run": o.DryRun, "retention_days": o.CleanupDays, "deleted": n})

			case o.DryRun:
				pending, err := t.Dispatcher.Preview(gctx, o.BatchSize)
				if err != nil {
					return err
				}
				report := map[string]any{"context": t.Name, "dry_run": true, "pending": pending}
				if o.RetryFailed {
					failed, err := t.Dispatcher.PreviewRetry(gctx)
					if err != nil {
						return err
					}
					report["retry"] = failed
				}
				return emit(report)

			default:
				r := worker.NewRelay(t.Dispatcher, l)
				r.BatchSize = o.BatchSize
				r.Interval = o.Interval
				r.Continuous = o.Continuous
				r.RetryFailed = o.RetryFailed
				r.CleanupEvery = cleanupEvery
				r.CleanupDays = o.CleanupDays
				// the relay observes ctx between cycles; other contexts keep
				// running when one fails in continuous mode
				if o.Continuous {
					return r.Run(ctx)
				}
				if err := r.Run(gctx); err != nil {
					return fmt.Errorf("context %s: %w", t.Name, err)
				}
				return nil
			}
		})
	}
	return g.Wait()
}

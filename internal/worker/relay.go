package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"go.uber.org/zap"
)

// Dispatcher is the part of *outbox.Dispatcher the relay drives.
type Dispatcher interface {
	Flush(ctx context.Context, batchSize int) (outbox.Result, error)
	RetryFailed(ctx context.Context) (outbox.Result, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Relay schedules dispatch cycles, once or on a fixed interval.
type Relay struct {
	// Dependencies
	Dispatcher Dispatcher
	Logger     *zap.Logger

	// Behavior
	BatchSize    int
	Interval     time.Duration // pause between cycles in continuous mode
	Continuous   bool
	RetryFailed  bool // also run the failed-records sweep each cycle
	CleanupEvery int  // cycles between cleanups, 0 disables
	CleanupDays  int
}

// NewRelay builds a relay with the defaults of the flush command.
func NewRelay(d Dispatcher, logger *zap.Logger) *Relay {
	return &Relay{
		Dispatcher:  d,
		Logger:      logger,
		BatchSize:   100,
		Interval:    30 * time.Second,
		CleanupDays: 30,
	}
}

// Run executes one cycle, or loops until ctx is cancelled when Continuous is
// set. Cancellation is only observed between cycles. In single-run mode the
// cycle error is returned; in continuous mode it is logged and the loop goes on.
func (r *Relay) Run(ctx context.Context) error {
	if r.Dispatcher == nil {
		return errors.New("relay: dispatcher is required")
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}

	if !r.Continuous {
		_, err := r.cycle(ctx, 1)
		return err
	}

	r.Logger.Info("outbox relay started",
		zap.Int("batch_size", r.BatchSize),
		zap.Duration("interval", r.Interval),
		zap.Bool("retry_failed", r.RetryFailed),
		zap.Int("cleanup_every", r.CleanupEvery),
	)

	timer := time.NewTimer(r.Interval)
	defer timer.Stop()

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.cycle(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
			r.Logger.Error("outbox cycle failed", zap.Int("cycle", n), zap.Error(err))
		}

		timer.Reset(r.Interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	r.Logger.Info("outbox relay stopped")
	return nil
}

// cycle runs flush, the optional retry sweep and periodic cleanup.
func (r *Relay) cycle(ctx context.Context, n int) (outbox.Result, error) {
	res, err := r.Dispatcher.Flush(ctx, r.BatchSize)
	if err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}

	if r.RetryFailed {
		retried, err := r.Dispatcher.RetryFailed(ctx)
		if err != nil {
			return res, fmt.Errorf("retry failed: %w", err)
		}
		res.Merge(retried)
	}

	if r.CleanupEvery > 0 && n%r.CleanupEvery == 0 {
		if _, err := r.Dispatcher.Cleanup(ctx, r.CleanupDays); err != nil {
			return res, err
		}
	}

	logf := r.Logger.Debug
	if !r.Continuous {
		logf = r.Logger.Info
	}
	logf("outbox cycle done",
		zap.Int("cycle", n),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("dead_lettered", res.DeadLettered),
		zap.Int("skipped", res.Skipped),
		zap.Int("state_update_failed", res.StateUpdateFailed),
	)
	return res, nil
}

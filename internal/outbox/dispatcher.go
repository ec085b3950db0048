package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxErrorMessageLen = 4096

// Stats is a dispatcher-level view of one outbox.
type Stats struct {
	model.OutboxStats
	RegisteredTypes []string      `json:"registered_types,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay_ns"`
}

// typeLister is implemented by resolvers that can enumerate their types.
type typeLister interface {
	EventTypes() []string
}

// Dispatcher delivers claimed outbox records to their handlers, one record
// at a time.
type Dispatcher struct {
	repo     repository.OutboxRepository
	resolver Resolver
	cfg      Config
	opts     options
}

func NewDispatcher(repo repository.OutboxRepository, resolver Resolver, cfg Config, opts ...Option) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if resolver == nil {
		return nil, ErrResolverRequired
	}

	cfg.normalize()
	o := newOptions(opts)
	if o.workerID == "" {
		host, _ := os.Hostname()
		o.workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &Dispatcher{repo: repo, resolver: resolver, cfg: cfg, opts: o}, nil
}

func (d *Dispatcher) Config() Config { return d.cfg }

func (d *Dispatcher) log() *zap.Logger {
	return d.opts.logger.With(zap.String("context", d.opts.context), zap.String("worker_id", d.opts.workerID))
}

func (d *Dispatcher) query(batchSize int, onlyFailed bool) repository.ClaimQuery {
	now := d.opts.clock.Now()
	return repository.ClaimQuery{
		BatchSize:  batchSize,
		MaxRetries: d.cfg.MaxRetries,
		RetryDelay: d.cfg.RetryDelay,
		Now:        now,
		OnlyFailed: onlyFailed,
		Token:      uuid.NewString(),
		LeaseUntil: now.Add(d.cfg.ClaimTTL),
	}
}

// Flush claims up to batchSize eligible records in FIFO order and processes
// them sequentially. Per-record failures never abort the batch.
func (d *Dispatcher) Flush(ctx context.Context, batchSize int) (Result, error) {
	if batchSize <= 0 {
		return Result{}, ErrInvalidBatchSize
	}
	return d.cycle(ctx, "outbox.flush", d.query(batchSize, false))
}

// RetryFailed runs one cycle restricted to records that already failed at
// least once and whose retry delay has elapsed.
func (d *Dispatcher) RetryFailed(ctx context.Context) (Result, error) {
	return d.cycle(ctx, "outbox.retry_failed", d.query(d.cfg.RetryBatchSize, true))
}

func (d *Dispatcher) cycle(ctx context.Context, name string, q repository.ClaimQuery) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ctx, span := d.opts.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("outbox.context", d.opts.context),
		attribute.Int("outbox.batch_size", q.BatchSize),
	))
	defer span.End()

	events, err := d.repo.Claim(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return Result{}, fmt.Errorf("claim outbox events: %w", err)
	}

	// Once claimed, the batch runs to completion even if ctx is cancelled;
	// state updates use a context that outlives the caller's.
	runCtx := context.WithoutCancel(ctx)

	var res Result
	for i := range events {
		outcome, stateErr := d.process(runCtx, &events[i])
		if stateErr != nil {
			res.StateUpdateFailed++
			d.count("state_update_failed")
			continue
		}
		res.add(outcome)
		d.count(outcome.String())
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", len(events)),
		attribute.Int("outbox.processed", res.Processed),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.skipped", res.Skipped),
	)

	if len(events) > 0 {
		d.log().Info("outbox cycle finished",
			zap.String("cycle", name),
			zap.Int("claimed", len(events)),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Int("skipped", res.Skipped),
			zap.Int("state_update_failed", res.StateUpdateFailed),
		)
	}
	return res, nil
}

func (d *Dispatcher) count(outcome string) {
	if d.opts.metrics != nil {
		d.opts.metrics.Dispatch.WithLabelValues(d.opts.context, outcome).Inc()
	}
}

// process runs one claimed record through its handler and persists the
// outcome. A non-nil error means the outcome could not be stored.
func (d *Dispatcher) process(ctx context.Context, ev *model.OutboxEvent) (Outcome, error) {
	ctx, span := d.opts.tracer.Start(ctx, "outbox.process", trace.WithAttributes(
		attribute.String("outbox.event_id", ev.ID),
		attribute.String("outbox.event_type", ev.EventType),
	))
	defer span.End()

	log := d.log().With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.Int("attempts", ev.Attempts),
	)
	token := ""
	if ev.ClaimToken != nil {
		token = *ev.ClaimToken
	}

	h, ok := d.resolver.Resolve(ev.EventType)
	if !ok {
		if err := d.repo.Release(ctx, ev.ID, token); err != nil {
			log.Warn("release skipped event", zap.Error(err))
			span.RecordError(err)
			return OutcomeSkipped, err
		}
		log.Debug("no handler registered, skipping")
		return OutcomeSkipped, nil
	}

	if herr := d.invoke(ctx, h, ev); herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler failed")

		outcome := OutcomeRetryable
		if ev.Attempts+1 >= d.cfg.MaxRetries {
			outcome = OutcomeDeadLettered
		}

		if err := d.repo.MarkFailed(ctx, ev.ID, token, truncate(herr.Error()), d.opts.clock.Now()); err != nil {
			log.Error("record handler failure", zap.NamedError("handler_err", herr), zap.Error(err))
			return outcome, err
		}

		if outcome == OutcomeDeadLettered {
			log.Error("outbox event dead-lettered", zap.Int("max_retries", d.cfg.MaxRetries), zap.Error(herr))
		} else {
			log.Warn("outbox handler failed, will retry", zap.Duration("retry_delay", d.cfg.RetryDelay), zap.Error(herr))
		}
		return outcome, nil
	}

	if err := d.repo.MarkProcessed(ctx, ev.ID, token, d.opts.clock.Now()); err != nil {
		if IsClaimLost(err) {
			// Lease expired mid-delivery; another worker may deliver it again.
			log.Warn("claim lost after successful delivery", zap.Error(err))
		} else {
			log.Error("mark processed", zap.Error(err))
		}
		span.RecordError(err)
		return OutcomeProcessed, err
	}
	return OutcomeProcessed, nil
}

// invoke calls h and converts errors and panics into *HandlerExecutionError.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev *model.OutboxEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerExecutionError{EventID: ev.ID, EventType: ev.EventType, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if herr := h.Handle(ctx, ev.EventType, ev.Payload); herr != nil {
		return &HandlerExecutionError{EventID: ev.ID, EventType: ev.EventType, Err: herr}
	}
	return nil
}

// truncate caps s at maxErrorMessageLen bytes on a rune boundary and replaces
// invalid UTF-8, which a utf8mb4 column rejects in strict mode.
func truncate(s string) string {
	if len(s) > maxErrorMessageLen {
		n := maxErrorMessageLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "?")
}

// Preview returns the records the next Flush would claim, without leasing.
func (d *Dispatcher) Preview(ctx context.Context, batchSize int) ([]model.OutboxEvent, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	return d.repo.Peek(ctx, d.query(batchSize, false))
}

// PreviewRetry returns the records the next RetryFailed would claim.
func (d *Dispatcher) PreviewRetry(ctx context.Context) ([]model.OutboxEvent, error) {
	return d.repo.Peek(ctx, d.query(d.cfg.RetryBatchSize, true))
}

func (d *Dispatcher) cutoff(retentionDays int) (time.Time, error) {
	if retentionDays < 0 {
		return time.Time{}, ErrInvalidRetention
	}
	return d.opts.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour), nil
}

// Cleanup deletes processed records older than retentionDays in one bulk
// statement. Pending and dead records are never deleted.
func (d *Dispatcher) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := d.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}

	n, err := d.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, &CleanupError{RetentionDays: retentionDays, Err: err}
	}

	d.log().Info("outbox cleanup finished", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// CleanupPreview counts what Cleanup would delete.
func (d *Dispatcher) CleanupPreview(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := d.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}
	n, err := d.repo.CountProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, &CleanupError{RetentionDays: retentionDays, Err: err}
	}
	return n, nil
}

// Stats reports counts by state. Dead records are only surfaced here.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	st, err := d.repo.Stats(ctx, d.cfg.MaxRetries)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}

	out := Stats{OutboxStats: st, MaxRetries: d.cfg.MaxRetries, RetryDelay: d.cfg.RetryDelay}
	if tl, ok := d.resolver.(typeLister); ok {
		out.RegisteredTypes = tl.EventTypes()
	}

	if m := d.opts.metrics; m != nil {
		m.Events.WithLabelValues(d.opts.context, "pending").Set(float64(st.Pending))
		m.Events.WithLabelValues(d.opts.context, "processed").Set(float64(st.Processed))
		m.Events.WithLabelValues(d.opts.context, "dead").Set(float64(st.Dead))
		m.Events.WithLabelValues(d.opts.context, "failed").Set(float64(st.Failed))
	}
	if st.Dead > 0 {
		d.log().Warn("outbox has dead-lettered events", zap.Int64("dead", st.Dead))
	}
	return out, nil
}

// IsClaimLost reports whether err means another worker took over a record.
func IsClaimLost(err error) bool {
	return errors.Is(err, repository.ErrClaimLost)
}

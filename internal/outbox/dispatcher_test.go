package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/metrics"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo  *repository.MemoryOutboxRepository
	reg   *Registry
	clk   *clock.MockClock
	w     *Writer
	d     *Dispatcher
	calls []string
	mu    sync.Mutex
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		repo: repository.NewMemoryOutboxRepository(),
		reg:  NewRegistry(),
		clk:  clock.NewMockClock(start),
	}
	opts = append([]Option{WithClock(f.clk)}, opts...)

	var err error
	f.w, err = NewWriter(f.repo, opts...)
	require.NoError(t, err)
	f.d, err = NewDispatcher(f.repo, f.reg, cfg, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) write(t *testing.T, eventType string) model.OutboxEvent {
	t.Helper()
	ev, err := f.w.Write(context.Background(), nil, WriteRequest{EventType: eventType, Payload: map[string]string{"type": eventType}}, Immediate)
	require.NoError(t, err)
	f.clk.Advance(time.Millisecond)
	return ev
}

func (f *fixture) recorder() Handler {
	return HandlerFunc(func(_ context.Context, eventType string, payload []byte) error {
		f.mu.Lock()
		f.calls = append(f.calls, eventType)
		f.mu.Unlock()
		return nil
	})
}

func failing(err error) Handler {
	return HandlerFunc(func(context.Context, string, []byte) error { return err })
}

func TestNewDispatcher_RequiresDeps(t *testing.T) {
	_, err := NewDispatcher(nil, NewRegistry(), Config{})
	assert.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(repository.NewMemoryOutboxRepository(), nil, Config{})
	assert.ErrorIs(t, err, ErrResolverRequired)

	d, err := NewDispatcher(repository.NewMemoryOutboxRepository(), NewRegistry(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), d.Config())
}

func TestFlush_InvalidBatchSize(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.d.Flush(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestFlush_FIFOBatches(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for _, typ := range []string{"e1", "e2", "e3"} {
		require.NoError(t, f.reg.Register(typ, f.recorder()))
		f.write(t, typ)
	}

	res, err := f.d.Flush(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2}, res)
	assert.Equal(t, []string{"e1", "e2"}, f.calls)

	res, err = f.d.Flush(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
	assert.Equal(t, []string{"e1", "e2", "e3"}, f.calls)

	res, err = f.d.Flush(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "processed events are never redelivered")
}

func TestFlush_SuccessSetsProcessedOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("expense.created", f.recorder()))
	ev := f.write(t, "expense.created")

	_, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)
	assert.Zero(t, got.Attempts, "successful attempts are not counted")
	assert.Nil(t, got.ClaimToken)
}

func TestFlush_FailureThenDead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Minute
	f := newFixture(t, cfg)
	require.NoError(t, f.reg.Register("expense.created", failing(errors.New("downstream 503"))))
	ev := f.write(t, "expense.created")

	res, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	res, err = f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "retry delay has not elapsed")

	f.clk.Advance(time.Minute)
	res, err = f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1, DeadLettered: 1}, res)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.ProcessedAt)
	assert.Contains(t, *got.ErrorMessage, "downstream 503")

	f.clk.Advance(time.Hour)
	res, err = f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Failed, "dead events are not re-attempted")

	st, err := f.d.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Dead)
	assert.EqualValues(t, 0, st.Pending)
}

func TestTruncate_KeepsRuneBoundary(t *testing.T) {
	cut := truncate(strings.Repeat("a", maxErrorMessageLen-1) + "é tail")
	assert.True(t, utf8.ValidString(cut))
	assert.Len(t, cut, maxErrorMessageLen-1)

	assert.Equal(t, "short", truncate("short"))
	assert.Equal(t, "bad?byte", truncate("bad\xffbyte"))
}

func TestFlush_LongMultibyteErrorStillCountsAttempt(t *testing.T) {
	// one of the two messages puts a 2-byte rune across the cut whatever the
	// error prefix length is
	for _, msg := range []string{strings.Repeat("é", 3000), "a" + strings.Repeat("é", 3000)} {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.reg.Register("expense.created", failing(errors.New(msg))))
		ev := f.write(t, "expense.created")

		res, err := f.d.Flush(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, Result{Failed: 1}, res)

		got, err := f.repo.Get(context.Background(), ev.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.ErrorMessage)
		assert.True(t, utf8.ValidString(*got.ErrorMessage))
		assert.LessOrEqual(t, len(*got.ErrorMessage), maxErrorMessageLen)
	}
}

func TestFlush_FailureDoesNotBlockBatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("bad", failing(errors.New("nope"))))
	require.NoError(t, f.reg.Register("good", f.recorder()))
	f.write(t, "bad")
	f.write(t, "good")

	res, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
}

func TestFlush_PanicIsHandlerError(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("boom", HandlerFunc(func(context.Context, string, []byte) error {
		panic("nil map")
	})))
	ev := f.write(t, "boom")

	res, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Contains(t, *got.ErrorMessage, "panic: nil map")
}

func TestFlush_UnregisteredIsSkipped(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ev := f.write(t, "nobody.listens")

	res, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.ClaimToken, "skip releases the lease")

	require.NoError(t, f.reg.Register("nobody.listens", f.recorder()))
	res, err = f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestFlush_CancelledBeforeClaim(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("x", f.recorder()))
	f.write(t, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.d.Flush(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
}

func TestFlush_CancelMidBatchFinishesBatch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.reg.Register("x", HandlerFunc(func(context.Context, string, []byte) error {
		cancel()
		return nil
	})))
	f.write(t, "x")
	f.write(t, "x")

	res, err := f.d.Flush(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2}, res)
}

// staleRepo loses every claim, as if the lease expired mid-batch.
type staleRepo struct {
	*repository.MemoryOutboxRepository
}

func (staleRepo) MarkProcessed(context.Context, string, string, time.Time) error {
	return repository.ErrClaimLost
}

func TestFlush_StateUpdateFailureCounted(t *testing.T) {
	mem := repository.NewMemoryOutboxRepository()
	reg := NewRegistry()
	require.NoError(t, reg.Register("x", HandlerFunc(func(context.Context, string, []byte) error { return nil })))

	w, err := NewWriter(mem)
	require.NoError(t, err)
	_, err = w.Write(context.Background(), nil, WriteRequest{EventType: "x", Payload: 1}, Immediate)
	require.NoError(t, err)

	m := metrics.NewOutbox()
	d, err := NewDispatcher(staleRepo{mem}, reg, DefaultConfig(), WithMetrics(m), WithContextName("expense"))
	require.NoError(t, err)

	res, err := d.Flush(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{StateUpdateFailed: 1}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatch.WithLabelValues("expense", "state_update_failed")))
}

func TestRetryFailed_OnlyFailedRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Minute
	f := newFixture(t, cfg)

	flaky := true
	require.NoError(t, f.reg.Register("flaky", HandlerFunc(func(context.Context, string, []byte) error {
		if flaky {
			return errors.New("timeout")
		}
		return nil
	})))
	f.write(t, "flaky")

	res, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	require.NoError(t, f.reg.Register("fresh", f.recorder()))
	f.write(t, "fresh")
	flaky = false
	f.clk.Advance(time.Minute)

	preview, err := f.d.PreviewRetry(context.Background())
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.Equal(t, "flaky", preview[0].EventType)

	res, err = f.d.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
	assert.Empty(t, f.calls, "fresh events are left to Flush")
}

func TestPreview_DoesNotLease(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("x", f.recorder()))
	f.write(t, "x")

	got, err := f.d.Preview(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	res, err := f.d.Flush(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.reg.Register("x", f.recorder()))

	old := f.write(t, "x")
	_, err := f.d.Flush(context.Background(), 10) // processed at start
	require.NoError(t, err)

	f.clk.Advance(30 * 24 * time.Hour)
	recent := f.write(t, "x")
	_, err = f.d.Flush(context.Background(), 10) // processed at start+30d
	require.NoError(t, err)
	pending := f.write(t, "unhandled")

	f.clk.Advance(10 * 24 * time.Hour) // now: old is 40 days, recent 10 days

	_, err = f.d.Cleanup(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalidRetention)

	n, err := f.d.CleanupPreview(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.d.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.repo.Get(context.Background(), old.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.repo.Get(context.Background(), recent.ID)
	assert.NoError(t, err)
	_, err = f.repo.Get(context.Background(), pending.ID)
	assert.NoError(t, err)
}

type brokenRepo struct {
	*repository.MemoryOutboxRepository
}

func (brokenRepo) DeleteProcessedBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("lock wait timeout")
}

func TestCleanup_StoreFailure(t *testing.T) {
	d, err := NewDispatcher(brokenRepo{repository.NewMemoryOutboxRepository()}, NewRegistry(), DefaultConfig())
	require.NoError(t, err)

	_, err = d.Cleanup(context.Background(), 30)
	var cerr *CleanupError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 30, cerr.RetentionDays)
}

func TestStats(t *testing.T) {
	m := metrics.NewOutbox()
	f := newFixture(t, DefaultConfig(), WithMetrics(m), WithContextName("expense"))
	require.NoError(t, f.reg.Register("ok", f.recorder()))
	require.NoError(t, f.reg.Register("bad", failing(errors.New("x"))))
	f.write(t, "ok")
	f.write(t, "bad")
	f.write(t, "other")

	_, err := f.d.Flush(context.Background(), 10)
	require.NoError(t, err)

	st, err := f.d.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Total)
	assert.EqualValues(t, 1, st.Processed)
	assert.EqualValues(t, 2, st.Pending)
	assert.EqualValues(t, 1, st.Failed)
	assert.Equal(t, []string{"bad", "ok", "other"}, st.EventTypes)
	assert.Equal(t, []string{"bad", "ok"}, st.RegisteredTypes)
	assert.Equal(t, 3, st.MaxRetries)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("expense", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatch.WithLabelValues("expense", "skipped")))
}

func TestConcurrentDispatchersDeliverOnce(t *testing.T) {
	repo := repository.NewMemoryOutboxRepository()
	reg := NewRegistry()

	var (
		mu    sync.Mutex
		count = map[string]int{}
	)
	require.NoError(t, reg.Register("x", HandlerFunc(func(_ context.Context, _ string, payload []byte) error {
		mu.Lock()
		count[string(payload)]++
		mu.Unlock()
		return nil
	})))

	w, err := NewWriter(repo)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		_, err := w.Write(context.Background(), nil, WriteRequest{EventType: "x", Payload: i}, Immediate)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		d, err := NewDispatcher(repo, reg, DefaultConfig())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := d.Flush(context.Background(), 5)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, count, 40)
	for k, n := range count {
		assert.Equal(t, 1, n, "payload %s delivered %d times", k, n)
	}
}

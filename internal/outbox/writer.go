package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/jmehdipour/expense-outbox/internal/txn"
	"github.com/jmehdipour/expense-outbox/internal/util"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// CommitMode controls when the outbox row is persisted relative to the
// caller's transaction.
type CommitMode int

const (
	// Immediate inserts inside the caller's transaction.
	Immediate CommitMode = iota
	// Deferred inserts after the caller's transaction commits. A crash between
	// that commit and the insert loses the event.
	Deferred
)

func (m CommitMode) String() string {
	switch m {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("CommitMode(%d)", int(m))
	}
}

type WriteRequest struct {
	EventType   string
	AggregateID *string
	// Payload is marshalled with encoding/json unless it is already []byte or
	// json.RawMessage, in which case it must be valid JSON.
	Payload any
}

// DomainEvent is implemented by business events that carry their own type
// and aggregate id. The event value itself becomes the payload.
type DomainEvent interface {
	EventType() string
	AggregateID() string
}

// Writer records outbox events. It never calls handlers.
type Writer struct {
	repo repository.OutboxRepository
	opts options
}

func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.NewRealClock(),
		tracer: noop.NewTracerProvider().Tracer("outbox"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func NewWriter(repo repository.OutboxRepository, opts ...Option) (*Writer, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	return &Writer{repo: repo, opts: newOptions(opts)}, nil
}

var emptyObject = []byte("{}")

func encodePayload(eventType string, payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		raw = emptyObject
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, &SerializationError{EventType: eventType, Err: err}
		}
		raw = b
	}

	// a JSON null is stored as an empty object, like a missing payload
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = emptyObject
	}
	if !json.Valid(raw) {
		return nil, &SerializationError{EventType: eventType, Err: ErrPayloadNotJSON}
	}
	if len(raw) > MaxPayloadBytes {
		return nil, &SerializationError{
			EventType: eventType,
			Err:       fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw)),
		}
	}
	return append(json.RawMessage(nil), raw...), nil
}

// Build validates req and returns the record that Write would persist.
func (w *Writer) Build(req WriteRequest) (model.OutboxEvent, error) {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return model.OutboxEvent{}, ErrEventTypeRequired
	}

	payload, err := encodePayload(eventType, req.Payload)
	if err != nil {
		return model.OutboxEvent{}, err
	}

	now := w.opts.clock.Now().UTC()
	return model.OutboxEvent{
		ID:          util.NewAt(now),
		EventType:   eventType,
		AggregateID: req.AggregateID,
		Payload:     payload,
		CreatedAt:   now,
	}, nil
}

// Write validates and records one event. In Deferred mode the returned record
// is not yet persisted; it will be once tx commits. Deferred with a nil tx
// behaves like Immediate.
func (w *Writer) Write(ctx context.Context, tx *txn.Tx, req WriteRequest, mode CommitMode) (model.OutboxEvent, error) {
	if mode != Immediate && mode != Deferred {
		return model.OutboxEvent{}, fmt.Errorf("%w: %d", ErrInvalidCommitMode, int(mode))
	}

	ev, err := w.Build(req)
	if err != nil {
		return model.OutboxEvent{}, err
	}

	if mode == Deferred && tx != nil {
		tx.OnCommit(func(hctx context.Context) {
			if err := w.insert(hctx, nil, ev); err != nil {
				w.opts.logger.Error("deferred outbox write failed, event lost",
					zap.String("event_id", ev.ID),
					zap.String("event_type", ev.EventType),
					zap.String("context", w.opts.context),
					zap.Error(err),
				)
				if w.opts.metrics != nil {
					w.opts.metrics.WriteErrors.WithLabelValues(w.opts.context).Inc()
				}
			}
		})
		return ev, nil
	}

	var sqlTx *sqlx.Tx
	if tx != nil {
		sqlTx = tx.Tx
	}
	if err := w.insert(ctx, sqlTx, ev); err != nil {
		return model.OutboxEvent{}, fmt.Errorf("insert outbox event: %w", err)
	}
	return ev, nil
}

func (w *Writer) insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	if err := w.repo.Insert(ctx, tx, ev); err != nil {
		return err
	}
	if w.opts.metrics != nil {
		w.opts.metrics.EventsWritten.WithLabelValues(w.opts.context, ev.EventType).Inc()
	}
	w.opts.logger.Debug("outbox event written",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("context", w.opts.context),
	)
	return nil
}

// WriteDomainEvent records ev using its own type and aggregate id.
func (w *Writer) WriteDomainEvent(ctx context.Context, tx *txn.Tx, ev DomainEvent, mode CommitMode) (model.OutboxEvent, error) {
	if ev == nil {
		return model.OutboxEvent{}, ErrPayloadRequired
	}
	req := WriteRequest{EventType: ev.EventType(), Payload: ev}
	if id := ev.AggregateID(); id != "" {
		req.AggregateID = &id
	}
	return w.Write(ctx, tx, req, mode)
}

// WriteMany records reqs in order with one mode and stops at the first error.
// Records written before the error are returned.
func (w *Writer) WriteMany(ctx context.Context, tx *txn.Tx, reqs []WriteRequest, mode CommitMode) ([]model.OutboxEvent, error) {
	out := make([]model.OutboxEvent, 0, len(reqs))
	for i, req := range reqs {
		ev, err := w.Write(ctx, tx, req, mode)
		if err != nil {
			return out, fmt.Errorf("write event %d of %d: %w", i+1, len(reqs), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

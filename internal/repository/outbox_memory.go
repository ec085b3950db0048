package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

// MemoryOutboxRepository keeps events in process memory. It follows the
// MySQL semantics closely and is used by tests and local runs.
type MemoryOutboxRepository struct {
	mu     sync.Mutex
	events map[string]*model.OutboxEvent
}

var _ OutboxRepository = (*MemoryOutboxRepository)(nil)

func NewMemoryOutboxRepository() *MemoryOutboxRepository {
	return &MemoryOutboxRepository{events: make(map[string]*model.OutboxEvent)}
}

func cloneEvent(ev *model.OutboxEvent) model.OutboxEvent {
	out := *ev
	out.Payload = append([]byte(nil), ev.Payload...)
	return out
}

// Insert ignores tx; the in-memory store has no transactions.
func (r *MemoryOutboxRepository) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[ev.ID]; ok {
		return errors.New("duplicate outbox event id " + ev.ID)
	}
	stored := cloneEvent(&ev)
	r.events[ev.ID] = &stored
	return nil
}

func (r *MemoryOutboxRepository) Get(_ context.Context, id string) (*model.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneEvent(ev)
	return &out, nil
}

func (r *MemoryOutboxRepository) isEligible(ev *model.OutboxEvent, q ClaimQuery) bool {
	if ev.ProcessedAt != nil || ev.Attempts >= q.MaxRetries {
		return false
	}
	if ev.ClaimedUntil != nil && ev.ClaimedUntil.After(q.Now) {
		return false
	}
	if q.OnlyFailed && ev.Attempts == 0 {
		return false
	}
	if ev.Attempts > 0 && ev.LastAttemptAt == nil {
		return false
	}
	return !ev.RetryableAt(q.RetryDelay).After(q.Now)
}

// selectLocked returns eligible events in FIFO order. Caller holds r.mu.
func (r *MemoryOutboxRepository) selectLocked(q ClaimQuery) []*model.OutboxEvent {
	var out []*model.OutboxEvent
	for _, ev := range r.events {
		if r.isEligible(ev, q) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > q.BatchSize {
		out = out[:q.BatchSize]
	}
	return out
}

func (r *MemoryOutboxRepository) Claim(_ context.Context, q ClaimQuery) ([]model.OutboxEvent, error) {
	if q.BatchSize <= 0 {
		return nil, nil
	}
	if q.Token == "" {
		return nil, errors.New("claim token is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	picked := r.selectLocked(q)
	out := make([]model.OutboxEvent, 0, len(picked))
	for _, ev := range picked {
		token, until := q.Token, q.LeaseUntil
		ev.ClaimToken = &token
		ev.ClaimedUntil = &until
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (r *MemoryOutboxRepository) Peek(_ context.Context, q ClaimQuery) ([]model.OutboxEvent, error) {
	if q.BatchSize <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	picked := r.selectLocked(q)
	out := make([]model.OutboxEvent, 0, len(picked))
	for _, ev := range picked {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// updateClaimed applies fn to a record whose live claim is held by token.
func (r *MemoryOutboxRepository) updateClaimed(id, token string, fn func(*model.OutboxEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok || ev.ProcessedAt != nil || ev.ClaimToken == nil || *ev.ClaimToken != token {
		return ErrClaimLost
	}
	fn(ev)
	ev.ClaimToken = nil
	ev.ClaimedUntil = nil
	return nil
}

func (r *MemoryOutboxRepository) MarkProcessed(_ context.Context, id, token string, at time.Time) error {
	return r.updateClaimed(id, token, func(ev *model.OutboxEvent) {
		t := at.UTC()
		ev.ProcessedAt = &t
	})
}

func (r *MemoryOutboxRepository) MarkFailed(_ context.Context, id, token, errMsg string, at time.Time) error {
	return r.updateClaimed(id, token, func(ev *model.OutboxEvent) {
		t := at.UTC()
		msg := errMsg
		ev.Attempts++
		ev.ErrorMessage = &msg
		ev.LastAttemptAt = &t
	})
}

func (r *MemoryOutboxRepository) Release(_ context.Context, id, token string) error {
	return r.updateClaimed(id, token, func(*model.OutboxEvent) {})
}

func (r *MemoryOutboxRepository) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, ev := range r.events {
		if ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryOutboxRepository) CountProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, ev := range r.events {
		if ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryOutboxRepository) Stats(_ context.Context, maxRetries int) (model.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st model.OutboxStats
	types := map[string]struct{}{}
	for _, ev := range r.events {
		st.Total++
		types[ev.EventType] = struct{}{}
		switch ev.State(maxRetries) {
		case model.StateProcessed:
			st.Processed++
		case model.StateDead:
			st.Dead++
		default:
			st.Pending++
			if ev.Attempts > 0 {
				st.Failed++
			}
		}
	}

	st.EventTypes = make([]string, 0, len(types))
	for t := range types {
		st.EventTypes = append(st.EventTypes, t)
	}
	sort.Strings(st.EventTypes)
	return st, nil
}

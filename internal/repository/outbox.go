package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound         = errors.New("outbox event not found")
	ErrClaimLost        = errors.New("outbox claim lost or event already processed")
	ErrInvalidTableName = errors.New("invalid outbox table name")
)

// ClaimQuery selects the records a dispatch cycle may work on.
type ClaimQuery struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	Now        time.Time

	// OnlyFailed restricts the selection to records with at least one failed attempt.
	OnlyFailed bool

	// Lease, ignored by Peek.
	Token      string
	LeaseUntil time.Time
}

// OutboxRepository defines persistence methods for one outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error
	Get(ctx context.Context, id string) (*model.OutboxEvent, error)

	// Claim atomically selects eligible events in FIFO order and leases them
	// to q.Token until q.LeaseUntil. Concurrent callers never receive the same
	// event while its lease is live.
	Claim(ctx context.Context, q ClaimQuery) ([]model.OutboxEvent, error)
	Peek(ctx context.Context, q ClaimQuery) ([]model.OutboxEvent, error)

	MarkProcessed(ctx context.Context, id, token string, at time.Time) error
	MarkFailed(ctx context.Context, id, token, errMsg string, at time.Time) error
	Release(ctx context.Context, id, token string) error

	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, maxRetries int) (model.OutboxStats, error)
}

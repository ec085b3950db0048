package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

var ErrTxDone = errors.New("txn: transaction already finished")

// Manager opens transactions that can carry on-commit hooks.
type Manager struct {
	db *sqlx.DB
}

func NewManager(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

func (m *Manager) DB() *sqlx.DB { return m.db }

// Tx wraps a *sqlx.Tx and collects hooks that run only after a successful commit.
type Tx struct {
	*sqlx.Tx

	mu    sync.Mutex
	hooks []func(context.Context)
	done  bool
	ctx   context.Context
}

func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	t, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{Tx: t, ctx: ctx}, nil
}

// OnCommit registers fn to run after Commit succeeds. Hooks run in
// registration order with the context the transaction was started with.
func (t *Tx) OnCommit(fn func(context.Context)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()

	if err := t.Tx.Commit(); err != nil {
		return err
	}

	// Detached from the caller's cancellation: the data is already durable.
	ctx := context.WithoutCancel(t.ctx)
	for _, h := range hooks {
		h(ctx)
	}
	return nil
}

// Rollback discards pending hooks. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.hooks = nil
	t.mu.Unlock()

	return t.Tx.Rollback()
}

// WithinTx runs fn in a transaction, committing when it returns nil and
// rolling back on error or panic.
func (m *Manager) WithinTx(ctx context.Context, fn func(*Tx) error) (err error) {
	t, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = t.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		if rbErr := t.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

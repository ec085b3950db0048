package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	return NewManager(sqlx.NewDb(raw, "mysql")), mock
}

func TestWithinTx_CommitRunsHooksInOrder(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	var order []int
	err := m.WithinTx(context.Background(), func(tx *Tx) error {
		tx.OnCommit(func(context.Context) { order = append(order, 1) })
		tx.OnCommit(func(context.Context) { order = append(order, 2) })
		assert.Empty(t, order, "hooks must not run before commit")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollbackDropsHooks(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	ran := false
	err := m.WithinTx(context.Background(), func(tx *Tx) error {
		tx.OnCommit(func(context.Context) { ran = true })
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.False(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_PanicRollsBack(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ran := false
	assert.Panics(t, func() {
		_ = m.WithinTx(context.Background(), func(tx *Tx) error {
			tx.OnCommit(func(context.Context) { ran = true })
			panic("handler blew up")
		})
	})
	assert.False(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_FailedCommitSkipsHooks(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("deadlock"))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)

	ran := false
	tx.OnCommit(func(context.Context) { ran = true })

	require.Error(t, tx.Commit())
	assert.False(t, ran)
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
}

func TestTx_HookContextSurvivesCancel(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := m.Begin(ctx)
	require.NoError(t, err)

	var hookCtx context.Context
	tx.OnCommit(func(hctx context.Context) { hookCtx = hctx })

	require.NoError(t, tx.Commit())
	cancel()
	require.NotNil(t, hookCtx)
	assert.NoError(t, hookCtx.Err())
}

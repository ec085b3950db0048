package repository

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMySQLRepo(t *testing.T) (*MySQLOutboxRepository, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	repo, err := NewMySQLOutboxRepository(sqlx.NewDb(raw, "mysql"), "expense_outbox")
	require.NoError(t, err)
	return repo, mock
}

func TestNewMySQLOutboxRepository_RejectsBadTable(t *testing.T) {
	for _, name := range []string{"", "outbox; DROP TABLE users", "1outbox", "out-box"} {
		_, err := NewMySQLOutboxRepository(nil, name)
		assert.ErrorIs(t, err, ErrInvalidTableName, name)
	}
}

func TestMySQL_InsertOwnTx(t *testing.T) {
	repo, mock := newMySQLRepo(t)
	agg := "exp-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO expense_outbox (id,event_type,aggregate_id,payload,created_at,attempts) VALUES (?,?,?,?,?,?)")).
		WithArgs("01ID", "expense.created", "exp-1", []byte(`{"a":1}`), t0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), nil, model.OutboxEvent{
		ID:          "01ID",
		EventType:   "expense.created",
		AggregateID: &agg,
		Payload:     json.RawMessage(`{"a":1}`),
		CreatedAt:   t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_InsertFailureRollsBack(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO expense_outbox").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), nil, model.OutboxEvent{ID: "x", EventType: "t", Payload: json.RawMessage(`{}`), CreatedAt: t0})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_ClaimLocksAndLeases(t *testing.T) {
	repo, mock := newMySQLRepo(t)
	q := claimQuery(t0, "tok-1")
	q.BatchSize = 2

	rows := sqlmock.NewRows(outboxColumns).
		AddRow("a", "expense.created", nil, []byte(`{}`), t0, nil, 0, nil, nil, nil, nil).
		AddRow("b", "expense.updated", "exp-9", []byte(`{}`), t0, nil, 1, "boom", t0.Add(-time.Hour), nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, event_type, .* FROM expense_outbox WHERE \(processed_at IS NULL AND attempts < \? .*ORDER BY created_at ASC, id ASC LIMIT 2 FOR UPDATE SKIP LOCKED`).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE expense_outbox SET claim_token = ?, claimed_until = ? WHERE id IN (?,?)")).
		WithArgs("tok-1", q.LeaseUntil, "a", "b").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	got, err := repo.Claim(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tok-1", *got[0].ClaimToken)
	assert.Equal(t, "exp-9", *got[1].AggregateID)
	assert.Equal(t, 1, got[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_ClaimEmptySkipsUpdate(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnRows(sqlmock.NewRows(outboxColumns))
	mock.ExpectCommit()

	got, err := repo.Claim(context.Background(), claimQuery(t0, "tok"))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_MarkProcessedConditional(t *testing.T) {
	repo, mock := newMySQLRepo(t)
	update := regexp.QuoteMeta(
		"UPDATE expense_outbox SET processed_at = ?, claim_token = ?, claimed_until = ? WHERE (id = ? AND claim_token = ? AND processed_at IS NULL)")

	mock.ExpectExec(update).WithArgs(t0, nil, nil, "a", "tok").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs(t0, nil, nil, "a", "stale").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkProcessed(context.Background(), "a", "tok", t0))
	assert.ErrorIs(t, repo.MarkProcessed(context.Background(), "a", "stale", t0), ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_MarkFailedIncrementsAttempts(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE expense_outbox SET attempts = attempts + 1, error_message = ?, last_attempt_at = ?")).
		WithArgs("boom", t0, nil, nil, "a", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "a", "tok", "boom", t0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_GetNotFound(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM expense_outbox WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(outboxColumns))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMySQL_DeleteProcessedBefore(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"DELETE FROM expense_outbox WHERE (processed_at IS NOT NULL AND processed_at < ?)")).
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteProcessedBefore(context.Background(), t0)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

func TestMySQL_Stats(t *testing.T) {
	repo, mock := newMySQLRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total, .* FROM expense_outbox`).
		WithArgs(3, 3).
		WillReturnRows(sqlmock.NewRows([]string{"total", "processed", "dead", "failed"}).AddRow(10, 6, 1, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT event_type FROM expense_outbox ORDER BY event_type")).
		WillReturnRows(sqlmock.NewRows([]string{"event_type"}).AddRow("expense.created").AddRow("expense.deleted"))

	st, err := repo.Stats(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStats{
		Total:      10,
		Pending:    3,
		Processed:  6,
		Dead:       1,
		Failed:     2,
		EventTypes: []string{"expense.created", "expense.deleted"},
	}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxDDL(t *testing.T) {
	ddl, err := OutboxDDL("user_outbox")
	require.NoError(t, err)
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS user_outbox")
	assert.Contains(t, ddl, "KEY idx_user_outbox_claimed_until (claimed_until)")

	_, err = OutboxDDL("bad name")
	assert.ErrorIs(t, err, ErrInvalidTableName)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmehdipour/expense-outbox/internal/model"
	"github.com/jmoiron/sqlx"
)

var outboxColumns = []string{
	"id", "event_type", "aggregate_id", "payload", "created_at", "processed_at",
	"attempts", "error_message", "last_attempt_at", "claim_token", "claimed_until",
}

// MySQLOutboxRepository is a sqlx-backed implementation bound to one table.
type MySQLOutboxRepository struct {
	db    *sqlx.DB
	table string
	sb    sq.StatementBuilderType
}

var _ OutboxRepository = (*MySQLOutboxRepository)(nil)

// NewMySQLOutboxRepository constructs a repository for the given outbox table.
func NewMySQLOutboxRepository(db *sqlx.DB, table string) (*MySQLOutboxRepository, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	return &MySQLOutboxRepository{
		db:    db,
		table: table,
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

func (r *MySQLOutboxRepository) Table() string { return r.table }

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *MySQLOutboxRepository) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *MySQLOutboxRepository) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	q, args, err := r.sb.Insert(r.table).
		Columns("id", "event_type", "aggregate_id", "payload", "created_at", "attempts").
		Values(ev.ID, ev.EventType, ev.AggregateID, []byte(ev.Payload), ev.CreatedAt.UTC(), ev.Attempts).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

func (r *MySQLOutboxRepository) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	q, args, err := r.sb.Select(outboxColumns...).From(r.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get: %w", err)
	}

	var ev model.OutboxEvent
	if err := r.db.GetContext(ctx, &ev, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// eligible is the shared dispatch predicate for Claim and Peek.
func eligible(q ClaimQuery) sq.And {
	cond := sq.And{
		sq.Eq{"processed_at": nil},
		sq.Lt{"attempts": q.MaxRetries},
		sq.Or{sq.Eq{"claimed_until": nil}, sq.LtOrEq{"claimed_until": q.Now}},
	}
	if q.OnlyFailed {
		cond = append(cond,
			sq.Gt{"attempts": 0},
			sq.LtOrEq{"last_attempt_at": q.Now.Add(-q.RetryDelay)},
		)
	} else {
		cond = append(cond, sq.Or{
			sq.Eq{"attempts": 0},
			sq.LtOrEq{"last_attempt_at": q.Now.Add(-q.RetryDelay)},
		})
	}
	return cond
}

func (r *MySQLOutboxRepository) selectEligible(q ClaimQuery) sq.SelectBuilder {
	return r.sb.Select(outboxColumns...).
		From(r.table).
		Where(eligible(q)).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(q.BatchSize))
}

// Claim locks eligible rows with FOR UPDATE SKIP LOCKED and stamps the lease
// in the same transaction, so concurrent dispatchers split the backlog.
func (r *MySQLOutboxRepository) Claim(ctx context.Context, q ClaimQuery) ([]model.OutboxEvent, error) {
	if q.BatchSize <= 0 {
		return nil, nil
	}
	if q.Token == "" {
		return nil, errors.New("claim token is required")
	}

	selQ, selArgs, err := r.selectEligible(q).Suffix("FOR UPDATE SKIP LOCKED").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim select: %w", err)
	}

	var events []model.OutboxEvent
	err = r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &events, selQ, selArgs...); err != nil {
			return fmt.Errorf("select eligible: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]string, len(events))
		for i := range events {
			ids[i] = events[i].ID
		}

		updQ, updArgs, err := r.sb.Update(r.table).
			Set("claim_token", q.Token).
			Set("claimed_until", q.LeaseUntil).
			Where(sq.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build claim update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updQ, updArgs...); err != nil {
			return fmt.Errorf("lease events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range events {
		token, until := q.Token, q.LeaseUntil
		events[i].ClaimToken = &token
		events[i].ClaimedUntil = &until
	}
	return events, nil
}

func (r *MySQLOutboxRepository) Peek(ctx context.Context, q ClaimQuery) ([]model.OutboxEvent, error) {
	if q.BatchSize <= 0 {
		return nil, nil
	}
	query, args, err := r.selectEligible(q).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build peek: %w", err)
	}

	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// claimed scopes an update to a live claim held by token.
func claimed(id, token string) sq.And {
	return sq.And{
		sq.Eq{"id": id},
		sq.Eq{"claim_token": token},
		sq.Eq{"processed_at": nil},
	}
}

func (r *MySQLOutboxRepository) execClaimed(ctx context.Context, b sq.UpdateBuilder) error {
	q, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *MySQLOutboxRepository) MarkProcessed(ctx context.Context, id, token string, at time.Time) error {
	return r.execClaimed(ctx, r.sb.Update(r.table).
		Set("processed_at", at.UTC()).
		Set("claim_token", nil).
		Set("claimed_until", nil).
		Where(claimed(id, token)))
}

func (r *MySQLOutboxRepository) MarkFailed(ctx context.Context, id, token, errMsg string, at time.Time) error {
	return r.execClaimed(ctx, r.sb.Update(r.table).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("error_message", errMsg).
		Set("last_attempt_at", at.UTC()).
		Set("claim_token", nil).
		Set("claimed_until", nil).
		Where(claimed(id, token)))
}

func (r *MySQLOutboxRepository) Release(ctx context.Context, id, token string) error {
	return r.execClaimed(ctx, r.sb.Update(r.table).
		Set("claim_token", nil).
		Set("claimed_until", nil).
		Where(claimed(id, token)))
}

func processedBefore(cutoff time.Time) sq.And {
	return sq.And{
		sq.NotEq{"processed_at": nil},
		sq.Lt{"processed_at": cutoff.UTC()},
	}
}

func (r *MySQLOutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q, args, err := r.sb.Delete(r.table).Where(processedBefore(cutoff)).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *MySQLOutboxRepository) CountProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q, args, err := r.sb.Select("COUNT(*)").From(r.table).Where(processedBefore(cutoff)).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, err
	}
	return n, nil
}

type statsRow struct {
	Total     int64 `db:"total"`
	Processed int64 `db:"processed"`
	Dead      int64 `db:"dead"`
	Failed    int64 `db:"failed"`
}

func (r *MySQLOutboxRepository) Stats(ctx context.Context, maxRetries int) (model.OutboxStats, error) {
	q, args, err := r.sb.Select("COUNT(*) AS total").
		Column("COALESCE(SUM(processed_at IS NOT NULL), 0) AS processed").
		Column(sq.Expr("COALESCE(SUM(processed_at IS NULL AND attempts >= ?), 0) AS dead", maxRetries)).
		Column(sq.Expr("COALESCE(SUM(processed_at IS NULL AND attempts > 0 AND attempts < ?), 0) AS failed", maxRetries)).
		From(r.table).
		ToSql()
	if err != nil {
		return model.OutboxStats{}, fmt.Errorf("build stats: %w", err)
	}

	var row statsRow
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		return model.OutboxStats{}, err
	}

	typesQ, _, err := r.sb.Select("DISTINCT event_type").From(r.table).OrderBy("event_type").ToSql()
	if err != nil {
		return model.OutboxStats{}, fmt.Errorf("build event types: %w", err)
	}
	var types []string
	if err := r.db.SelectContext(ctx, &types, typesQ); err != nil {
		return model.OutboxStats{}, err
	}

	return model.OutboxStats{
		Total:      row.Total,
		Pending:    row.Total - row.Processed - row.Dead,
		Processed:  row.Processed,
		Dead:       row.Dead,
		Failed:     row.Failed,
		EventTypes: types,
	}, nil
}

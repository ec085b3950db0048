package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Delivery is one audit row for an event handed to a downstream consumer.
type Delivery struct {
	EventID     string    `db:"event_id"     json:"event_id"`
	Context     string    `db:"context"      json:"context"`
	EventType   string    `db:"event_type"   json:"event_type"`
	Payload     string    `db:"payload"      json:"payload"`
	DeliveredAt time.Time `db:"delivered_at" json:"delivered_at"`
}

// DeliveriesRepository appends to and reads the ClickHouse delivery log.
type DeliveriesRepository interface {
	Append(ctx context.Context, d Delivery) error
	ListByEventType(ctx context.Context, eventType string, limit int) ([]Delivery, error)
}

// DefaultDeliveriesTable is used when a clickhouse handler names no table.
const DefaultDeliveriesTable = "outbox_deliveries"

type chDeliveriesRepository struct {
	ch    *sqlx.DB // ClickHouse connection
	table string
}

func NewCHDeliveriesRepository(ch *sqlx.DB, table string) (DeliveriesRepository, error) {
	if table == "" {
		table = DefaultDeliveriesTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	return &chDeliveriesRepository{ch: ch, table: table}, nil
}

// DeliveriesDDL returns the ClickHouse CREATE TABLE statement for the delivery log.
func DeliveriesDDL(table string) (string, error) {
	if table == "" {
		table = DefaultDeliveriesTable
	}
	if err := ValidateTableName(table); err != nil {
		return "", err
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    event_id     String,
    context      LowCardinality(String),
    event_type   LowCardinality(String),
    payload      String,
    delivered_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
ORDER BY (context, event_type, event_id)`, table), nil
}

// Append inserts one row. Redeliveries of the same event collapse on merge.
func (r *chDeliveriesRepository) Append(ctx context.Context, d Delivery) error {
	q := fmt.Sprintf(`INSERT INTO %s (event_id, context, event_type, payload, delivered_at) VALUES (?, ?, ?, ?, ?)`, r.table)
	_, err := r.ch.ExecContext(ctx, q, d.EventID, d.Context, d.EventType, d.Payload, d.DeliveredAt.UTC())
	return err
}

func (r *chDeliveriesRepository) ListByEventType(ctx context.Context, eventType string, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	q := fmt.Sprintf(`
		SELECT event_id, context, event_type, payload, delivered_at
		FROM %s FINAL
		WHERE event_type = ?
		ORDER BY delivered_at DESC LIMIT ?`, r.table)

	var rows []Delivery
	if err := r.ch.SelectContext(ctx, &rows, q, eventType, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

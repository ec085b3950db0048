package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the delivery-audit store,
// e.g. clickhouse://default:@localhost:9000/outbox?dial_timeout=5s
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	applyPool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return db, nil
}

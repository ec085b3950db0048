package repository

import (
	"fmt"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateTableName rejects anything that is not a plain SQL identifier,
// since table names are interpolated into queries.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return nil
}

// OutboxDDL returns the MySQL CREATE TABLE statement for an outbox table.
func OutboxDDL(table string) (string, error) {
	if err := ValidateTableName(table); err != nil {
		return "", err
	}

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              CHAR(26)      NOT NULL,
    event_type      VARCHAR(100)  NOT NULL,
    aggregate_id    VARCHAR(100)  NULL,
    payload         JSON          NOT NULL,
    created_at      DATETIME(6)   NOT NULL,
    processed_at    DATETIME(6)   NULL,
    attempts        INT           NOT NULL DEFAULT 0,
    error_message   TEXT          NULL,
    last_attempt_at DATETIME(6)   NULL,
    claim_token     CHAR(36)      NULL,
    claimed_until   DATETIME(6)   NULL,
    PRIMARY KEY (id),
    KEY idx_%[1]s_event_type (event_type),
    KEY idx_%[1]s_processed_at (processed_at),
    KEY idx_%[1]s_created_at (created_at, id),
    KEY idx_%[1]s_aggregate_id (aggregate_id),
    KEY idx_%[1]s_claimed_until (claimed_until)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, table), nil
}

package model

import (
	"encoding/json"
	"time"
)

type EventState string

const (
	StatePending   EventState = "pending"
	StateProcessed EventState = "processed"
	StateDead      EventState = "dead"
)

func (s EventState) String() string { return string(s) }

// OutboxEvent is one row of a bounded context's outbox table.
type OutboxEvent struct {
	ID            string          `db:"id"           json:"id"` // ULID
	EventType     string          `db:"event_type"   json:"event_type"`
	AggregateID   *string         `db:"aggregate_id" json:"aggregate_id,omitempty"`
	Payload       json.RawMessage `db:"payload"      json:"payload"`
	CreatedAt     time.Time       `db:"created_at"   json:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	Attempts      int             `db:"attempts"     json:"attempts"` // failed attempts only
	ErrorMessage  *string         `db:"error_message"   json:"error_message,omitempty"`
	LastAttemptAt *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	ClaimToken    *string         `db:"claim_token"     json:"-"`
	ClaimedUntil  *time.Time      `db:"claimed_until"   json:"-"`
}

func (e *OutboxEvent) IsProcessed() bool { return e.ProcessedAt != nil }

// IsDead reports whether the retry budget is exhausted without a delivery.
func (e *OutboxEvent) IsDead(maxRetries int) bool {
	return e.ProcessedAt == nil && e.Attempts >= maxRetries
}

func (e *OutboxEvent) State(maxRetries int) EventState {
	switch {
	case e.IsProcessed():
		return StateProcessed
	case e.IsDead(maxRetries):
		return StateDead
	default:
		return StatePending
	}
}

// RetryableAt returns the earliest time a failed event may be attempted again.
// Zero time means it is eligible right away.
func (e *OutboxEvent) RetryableAt(retryDelay time.Duration) time.Time {
	if e.Attempts == 0 || e.LastAttemptAt == nil {
		return time.Time{}
	}
	return e.LastAttemptAt.Add(retryDelay)
}

// OutboxStats is a point-in-time summary of an outbox table.
type OutboxStats struct {
	Total      int64    `json:"total"`
	Pending    int64    `json:"pending"`
	Processed  int64    `json:"processed"`
	Dead       int64    `json:"dead"`
	Failed     int64    `json:"failed"` // pending with at least one failed attempt
	EventTypes []string `json:"event_types"`
}

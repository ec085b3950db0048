package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/repository"
)

// ClickHouseAudit appends every delivered event to the ClickHouse delivery log.
type ClickHouseAudit struct {
	context string
	repo    repository.DeliveriesRepository
	clock   clock.Clock
}

func NewClickHouseAudit(repo repository.DeliveriesRepository, contextName string, clk clock.Clock) *ClickHouseAudit {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &ClickHouseAudit{context: contextName, repo: repo, clock: clk}
}

func (c *ClickHouseAudit) Handle(ctx context.Context, eventType string, payload []byte) error {
	if err := c.repo.Append(ctx, repository.Delivery{
		EventID:     contentKey(eventType, payload),
		Context:     c.context,
		EventType:   eventType,
		Payload:     string(payload),
		DeliveredAt: c.clock.Now(),
	}); err != nil {
		return fmt.Errorf("clickhouse audit: %w", err)
	}
	return nil
}

// contentKey identifies an event by content, since handlers only see the
// type and payload.
func contentKey(eventType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

package handler

import (
	"context"

	"github.com/jmehdipour/expense-outbox/internal/outbox"
)

// Fanout runs several handlers in order and stops at the first error. On a
// retry every handler runs again, so each must be idempotent on its own.
type Fanout []outbox.Handler

func NewFanout(hs ...outbox.Handler) outbox.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return Fanout(hs)
}

func (f Fanout) Handle(ctx context.Context, eventType string, payload []byte) error {
	for _, h := range f {
		if err := h.Handle(ctx, eventType, payload); err != nil {
			return err
		}
	}
	return nil
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/redis/go-redis/v9"
)

const (
	markerPending = "pending"
	markerDone    = "done"

	defaultIdempotencyTTL = 7 * 24 * time.Hour
	pendingTTL            = time.Minute
)

// ErrDeliveryInFlight means another delivery of the same content holds the guard.
var ErrDeliveryInFlight = errors.New("delivery of identical event in flight")

// Idempotent turns repeated deliveries of the same event type and payload
// into no-ops for ttl. The marker is keyed by a digest of the content.
type Idempotent struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	inner  outbox.Handler
}

func NewIdempotent(rdb redis.Cmdable, prefix string, ttl time.Duration, inner outbox.Handler) *Idempotent {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if prefix == "" {
		prefix = "outbox:delivered:"
	}
	return &Idempotent{rdb: rdb, prefix: prefix, ttl: ttl, inner: inner}
}

func (h *Idempotent) Handle(ctx context.Context, eventType string, payload []byte) error {
	key := h.prefix + contentKey(eventType, payload)

	acquired, err := h.rdb.SetNX(ctx, key, markerPending, pendingTTL).Result()
	if err != nil {
		return fmt.Errorf("idempotency guard: %w", err)
	}
	if !acquired {
		v, err := h.rdb.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// Expired between the two calls; let the next attempt retry.
			return ErrDeliveryInFlight
		case err != nil:
			return fmt.Errorf("idempotency guard: %w", err)
		case v == markerDone:
			return nil
		default:
			return ErrDeliveryInFlight
		}
	}

	if err := h.inner.Handle(ctx, eventType, payload); err != nil {
		_ = h.rdb.Del(context.WithoutCancel(ctx), key).Err()
		return err
	}

	if err := h.rdb.Set(context.WithoutCancel(ctx), key, markerDone, h.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency mark done: %w", err)
	}
	return nil
}

package handler

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jmehdipour/expense-outbox/internal/kafka"
)

// Publisher is implemented by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Kafka publishes each event to a topic. The message key is a digest of the
// payload so redeliveries of one event land on the same partition.
type Kafka struct {
	topic string
	pub   Publisher
}

func NewKafka(pub Publisher, topic string) *Kafka {
	return &Kafka{topic: topic, pub: pub}
}

func (k *Kafka) Handle(ctx context.Context, eventType string, payload []byte) error {
	sum := sha256.Sum256(payload)
	if err := k.pub.Publish(ctx, k.topic, sum[:], payload,
		kafka.Header{Key: "event_type", Value: []byte(eventType)},
	); err != nil {
		return fmt.Errorf("kafka publish topic=%s: %w", k.topic, err)
	}
	return nil
}

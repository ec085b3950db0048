package handler

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

// AMQPPublisher is implemented by *rabbitmq.Client.
type AMQPPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error
}

// AMQP publishes each event to an exchange. An empty routing key falls back
// to the event type, which suits topic exchanges.
type AMQP struct {
	exchange   string
	routingKey string
	pub        AMQPPublisher
}

func NewAMQP(pub AMQPPublisher, exchange, routingKey string) *AMQP {
	return &AMQP{exchange: exchange, routingKey: routingKey, pub: pub}
}

func (a *AMQP) Handle(ctx context.Context, eventType string, payload []byte) error {
	key := a.routingKey
	if key == "" {
		key = eventType
	}
	if err := a.pub.Publish(ctx, a.exchange, key, payload, amqp.Table{"event_type": eventType}); err != nil {
		return fmt.Errorf("amqp publish exchange=%s key=%s: %w", a.exchange, key, err)
	}
	return nil
}

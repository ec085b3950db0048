package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Client represents a RabbitMQ publisher connection.
type Client struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel Channel
}

// NewClient dials url and opens one channel.
func NewClient(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return &Client{conn: conn, channel: channel}, nil
}

// NewClientWithChannel wraps an already opened channel.
func NewClientWithChannel(ch Channel) *Client {
	return &Client{channel: ch}
}

// DeclareExchange declares a durable exchange of the given kind.
func (r *Client) DeclareExchange(name, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

// Publish sends a persistent JSON message. amqp channels are not safe for
// concurrent publishing, so calls are serialized.
func (r *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
}

// Close closes the channel and connection for graceful shutdown.
func (r *Client) Close() error {
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			return err
		}
	}
	if r.conn != nil {
		return r.conn.Close()
	}

	return nil
}

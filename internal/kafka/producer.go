package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	BatchTimeout time.Duration // default 50ms
	WriteTimeout time.Duration // default 10s
}

type Message = kafka.Message
type Header = kafka.Header

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a thin wrapper around segmentio/kafka-go Writer. The topic is
// chosen per message so one producer serves every kafka handler.
type Producer struct {
	w MessageWriter
}

func NewProducerFromConfig(c Config) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           bt,
		WriteTimeout:           wt,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Producer{w: w}
}

// NewProducer wraps an existing writer.
func NewProducer(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Publish writes one message synchronously; it returns once the brokers acked.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func (p *Producer) Close() error { return p.w.Close() }

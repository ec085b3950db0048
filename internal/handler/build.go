package handler

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	TypeLog        = "log"
	TypeWebhook    = "webhook"
	TypeKafka      = "kafka"
	TypeAMQP       = "amqp"
	TypeClickHouse = "clickhouse"
)

// Deps are the shared clients handlers are built on. Only the clients the
// configured handler types need must be set; see Needs.
type Deps struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	Redis      redis.Cmdable
	Kafka      Publisher
	AMQP       AMQPPublisher
	Deliveries repository.DeliveriesRepository

	// AMQPExchange is used when a handler does not name its own exchange.
	AMQPExchange string
	ContextName  string
}

// Requirements lists the backends a set of handler configs depends on.
type Requirements struct {
	Redis      bool
	Kafka      bool
	AMQP       bool
	ClickHouse bool
}

func Needs(cfgs []config.HandlerConfig) Requirements {
	var r Requirements
	for _, c := range cfgs {
		switch c.Type {
		case TypeKafka:
			r.Kafka = true
		case TypeAMQP:
			r.AMQP = true
		case TypeClickHouse:
			r.ClickHouse = true
		}
		if c.Idempotent {
			r.Redis = true
		}
	}
	return r
}

func build(c config.HandlerConfig, d Deps) (outbox.Handler, error) {
	var h outbox.Handler
	switch c.Type {
	case TypeLog:
		h = NewLog(d.Logger.With(zap.String("handler", c.Name), zap.String("context", d.ContextName)))
	case TypeWebhook:
		if strings.TrimSpace(c.URL) == "" {
			return nil, fmt.Errorf("handler %q: webhook url is required", c.Name)
		}
		h = NewWebhook(c.Name, c.URL, c.TimeoutMs, c.Breaker.FailThreshold, c.Breaker.OpenForMs)
	case TypeKafka:
		if d.Kafka == nil || c.Topic == "" {
			return nil, fmt.Errorf("handler %q: kafka producer and topic are required", c.Name)
		}
		h = NewKafka(d.Kafka, c.Topic)
	case TypeAMQP:
		exchange := c.Exchange
		if exchange == "" {
			exchange = d.AMQPExchange
		}
		if d.AMQP == nil || exchange == "" {
			return nil, fmt.Errorf("handler %q: amqp client and exchange are required", c.Name)
		}
		h = NewAMQP(d.AMQP, exchange, c.RoutingKey)
	case TypeClickHouse:
		if d.Deliveries == nil {
			return nil, fmt.Errorf("handler %q: clickhouse deliveries repository is required", c.Name)
		}
		h = NewClickHouseAudit(d.Deliveries, d.ContextName, d.Clock)
	default:
		return nil, fmt.Errorf("handler %q: unknown type %q", c.Name, c.Type)
	}

	if c.Idempotent {
		if d.Redis == nil {
			return nil, fmt.Errorf("handler %q: redis is required for idempotent delivery", c.Name)
		}
		h = NewIdempotent(d.Redis, "outbox:"+d.ContextName+":"+c.Name+":", c.IdempotencyTTL, h)
	}
	return h, nil
}

// BuildRegistry builds one registry from handler configs. Several configs
// naming the same event type are combined in config order with Fanout.
func BuildRegistry(cfgs []config.HandlerConfig, d Deps) (*outbox.Registry, error) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	byType := map[string][]outbox.Handler{}
	var order []string
	for _, c := range cfgs {
		h, err := build(c, d)
		if err != nil {
			return nil, err
		}
		for _, et := range c.EventTypes {
			et = strings.TrimSpace(et)
			if et == "" {
				continue
			}
			if _, seen := byType[et]; !seen {
				order = append(order, et)
			}
			byType[et] = append(byType[et], h)
		}
	}

	reg := outbox.NewRegistry()
	for _, et := range order {
		if err := reg.Register(et, NewFanout(byType[et]...)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

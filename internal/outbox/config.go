package outbox

import (
	"time"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 5 * time.Minute
	DefaultClaimTTL       = 5 * time.Minute
	DefaultRetryBatchSize = 50

	// MaxPayloadBytes caps a single serialized payload.
	MaxPayloadBytes = 1 << 20
)

// Config tunes the dispatcher. Zero values fall back to the defaults above.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	ClaimTTL       time.Duration
	RetryBatchSize int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		ClaimTTL:       DefaultClaimTTL,
		RetryBatchSize: DefaultRetryBatchSize,
	}
}

func (c *Config) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = DefaultRetryBatchSize
	}
}

// options shared by Writer and Dispatcher.
type options struct {
	logger   *zap.Logger
	clock    clock.Clock
	metrics  *metrics.Outbox
	tracer   trace.Tracer
	workerID string
	context  string
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithMetrics(m *metrics.Outbox) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithWorkerID tags logs and spans with the dispatcher instance name.
func WithWorkerID(id string) Option {
	return func(o *options) { o.workerID = id }
}

// WithContextName sets the bounded context label used in metrics and logs.
func WithContextName(name string) Option {
	return func(o *options) { o.context = name }
}

package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmehdipour/expense-outbox/internal/clock"
	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/db"
	"github.com/jmehdipour/expense-outbox/internal/handler"
	"github.com/jmehdipour/expense-outbox/internal/kafka"
	"github.com/jmehdipour/expense-outbox/internal/metrics"
	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/rabbitmq"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/jmehdipour/expense-outbox/internal/txn"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const tracerName = "github.com/jmehdipour/expense-outbox"

// App holds the connections shared by the commands.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	MySQL   *sqlx.DB
	Tx      *txn.Manager
	Metrics *metrics.Outbox
	Redis   *redis.Client // nil unless a handler or the intake limiter needs it

	deps    handler.Deps
	closers []func() error
}

// Context is the wired outbox of one bounded context.
type Context struct {
	Name       string
	Repo       *repository.MySQLOutboxRepository
	Registry   *outbox.Registry
	Writer     *outbox.Writer
	Dispatcher *outbox.Dispatcher
}

// Open connects MySQL and whichever backends the enabled handlers need.
// Metrics are registered on reg when it is not nil.
func Open(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewOutbox()}
	if reg != nil {
		a.Metrics.MustRegister(reg)
	}

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.MySQL = mysqlDB
	a.Tx = txn.NewManager(mysqlDB)
	a.closers = append(a.closers, mysqlDB.Close)

	if err := a.openBackends(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openBackends() error {
	cfg := a.Config
	var enabled []config.HandlerConfig
	for _, h := range cfg.Handlers {
		if h.Enabled {
			enabled = append(enabled, h)
		}
	}
	need := handler.Needs(enabled)

	a.deps = handler.Deps{
		Logger:       a.Logger,
		Clock:        clock.NewRealClock(),
		AMQPExchange: cfg.AMQP.Exchange,
	}

	if need.Redis || cfg.API.RateLimitRPS > 0 {
		rdb, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rdb
		a.deps.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	if need.Kafka {
		p := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		a.deps.Kafka = p
		a.closers = append(a.closers, p.Close)
	}

	if need.AMQP {
		client, err := rabbitmq.NewClient(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		if cfg.AMQP.Exchange != "" {
			kind := cfg.AMQP.ExchangeType
			if kind == "" {
				kind = "topic"
			}
			if err := client.DeclareExchange(cfg.AMQP.Exchange, kind); err != nil {
				return fmt.Errorf("declare exchange %s: %w", cfg.AMQP.Exchange, err)
			}
		}
		a.deps.AMQP = client
	}

	if need.ClickHouse {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, chDB.Close)
		deliveries, err := repository.NewCHDeliveriesRepository(chDB, clickHouseTable(cfg.Handlers))
		if err != nil {
			return err
		}
		a.deps.Deliveries = deliveries
	}
	return nil
}

// clickHouseTable returns the audit table named by the first clickhouse handler.
func clickHouseTable(hs []config.HandlerConfig) string {
	for _, h := range hs {
		if h.Enabled && h.Type == handler.TypeClickHouse && h.Table != "" {
			return h.Table
		}
	}
	return ""
}

// DispatcherConfig maps the dispatcher config section.
func DispatcherConfig(c config.DispatcherConfig) outbox.Config {
	return outbox.Config{
		MaxRetries:     c.MaxRetries,
		RetryDelay:     c.RetryDelay,
		ClaimTTL:       c.ClaimTTL,
		RetryBatchSize: c.RetryBatchSize,
	}
}

// Context wires the outbox of the named bounded context.
func (a *App) Context(name string, dcfg outbox.Config) (*Context, error) {
	cc, err := a.Config.Context(name)
	if err != nil {
		return nil, err
	}

	repo, err := repository.NewMySQLOutboxRepository(a.MySQL, cc.Table)
	if err != nil {
		return nil, err
	}

	deps := a.deps
	deps.ContextName = name
	reg, err := handler.BuildRegistry(a.Config.HandlersFor(name), deps)
	if err != nil {
		return nil, fmt.Errorf("build handlers for %s: %w", name, err)
	}

	opts := []outbox.Option{
		outbox.WithLogger(a.Logger),
		outbox.WithMetrics(a.Metrics),
		outbox.WithTracer(otel.Tracer(tracerName)),
		outbox.WithContextName(name),
	}
	if host, err := os.Hostname(); err == nil {
		opts = append(opts, outbox.WithWorkerID(fmt.Sprintf("%s-%d-%s", host, os.Getpid(), name)))
	}

	w, err := outbox.NewWriter(repo, opts...)
	if err != nil {
		return nil, err
	}
	d, err := outbox.NewDispatcher(repo, reg, dcfg, opts...)
	if err != nil {
		return nil, err
	}

	return &Context{Name: name, Repo: repo, Registry: reg, Writer: w, Dispatcher: d}, nil
}

// Close releases every opened connection in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

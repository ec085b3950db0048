package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Contexts   []ContextConfig  `mapstructure:"contexts"`
	Handlers   []HandlerConfig  `mapstructure:"handlers"`
	API        APIConfig        `mapstructure:"api"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AMQPConfig struct {
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`
}

// DispatcherConfig holds the driver defaults; worker flags override them.
type DispatcherConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ClaimTTL       time.Duration `mapstructure:"claim_ttl"`
	RetryBatchSize int           `mapstructure:"retry_batch_size"`
	CleanupDays    int           `mapstructure:"cleanup_days"`
	CleanupEvery   int           `mapstructure:"cleanup_every"` // cycles, 0 = never in continuous mode
}

// ContextConfig binds a bounded context to its outbox table.
type ContextConfig struct {
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// HandlerConfig declares one delivery target. Type is one of
// log, webhook, kafka, amqp, clickhouse.
type HandlerConfig struct {
	Name           string        `mapstructure:"name"`
	Type           string        `mapstructure:"type"`
	Context        string        `mapstructure:"context"`
	EventTypes     []string      `mapstructure:"event_types"`
	Enabled        bool          `mapstructure:"enabled"`
	Idempotent     bool          `mapstructure:"idempotent"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	// webhook
	URL       string        `mapstructure:"url"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`

	// kafka
	Topic string `mapstructure:"topic"`

	// amqp
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`

	// clickhouse
	Table string `mapstructure:"table"`
}

type APIConfig struct {
	Keys         []string `mapstructure:"keys"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"` // per key on event intake, 0 disables
}

// Context returns the configured bounded context by name.
func (c Config) Context(name string) (ContextConfig, error) {
	for _, cc := range c.Contexts {
		if cc.Name == name {
			return cc, nil
		}
	}
	return ContextConfig{}, fmt.Errorf("unknown outbox context %q", name)
}

// HandlersFor returns the enabled handlers bound to a context.
func (c Config) HandlersFor(context string) []HandlerConfig {
	var out []HandlerConfig
	for _, h := range c.Handlers {
		if h.Enabled && h.Context == context {
			out = append(out, h)
		}
	}
	return out
}

// Load reads embedded defaults, merges user YAML (if provided), loads .env
// when present and applies env overrides (OUTBOX_*, dots become underscores).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	// env override (OUTBOX_*)
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "FULFILLMENT"

// StorageDriver выбирает хранилище заказов, outbox и ключей идемпотентности.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// ProcessingMode выбирает, где выполняется сага.
type ProcessingMode string

const (
	// ProcessingModeSync выполняет сагу в рамках HTTP-запроса.
	ProcessingModeSync ProcessingMode = "sync"
	// ProcessingModeAsync сохраняет заказ с событием outbox; сагу запускает poller.
	ProcessingModeAsync ProcessingMode = "async"
)

// RetrySettings — настройки retry одного downstream.
type RetrySettings struct {
	Enabled     bool
	MaxAttempts int           `split_words:"true"`
	BaseDelay   time.Duration `split_words:"true"`
	Multiplier  float64
	MaxDelay    time.Duration `split_words:"true"`
}

// CircuitBreakerSettings — настройки circuit breaker одного downstream.
type CircuitBreakerSettings struct {
	Enabled                   bool
	SlidingWindowSize         int           `split_words:"true"`
	MinimumCalls              int           `split_words:"true"`
	FailureRateThreshold      float64       `split_words:"true"`
	SlowCallDurationThreshold time.Duration `split_words:"true"`
	SlowCallRateThreshold     float64       `split_words:"true"`
	WaitDurationInOpenState   time.Duration `split_words:"true"`
	PermittedCallsInHalfOpen  int           `split_words:"true"`
}

// TimeLimiterSettings — ограничение общего времени вызова.
type TimeLimiterSettings struct {
	Enabled bool
	Timeout time.Duration
}

// DownstreamConfig описывает один внешний сервис. Пустой URL включает встроенный симулятор.
type DownstreamConfig struct {
	URL            string
	RequestTimeout time.Duration `split_words:"true"`
	Retry          RetrySettings
	CircuitBreaker CircuitBreakerSettings `split_words:"true"`
	TimeLimiter    TimeLimiterSettings    `split_words:"true"`
}

// Policy переводит настройки в конфигурацию слоёв; выключенный слой остаётся nil.
func (d DownstreamConfig) Policy() resilience.PolicyConfig {
	var cfg resilience.PolicyConfig
	if d.Retry.Enabled {
		cfg.Retry = &resilience.RetryConfig{
			MaxAttempts: d.Retry.MaxAttempts,
			BaseDelay:   d.Retry.BaseDelay,
			Multiplier:  d.Retry.Multiplier,
			MaxDelay:    d.Retry.MaxDelay,
		}
	}
	if d.CircuitBreaker.Enabled {
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{
			SlidingWindowSize:         d.CircuitBreaker.SlidingWindowSize,
			MinimumCalls:              d.CircuitBreaker.MinimumCalls,
			FailureRateThreshold:      d.CircuitBreaker.FailureRateThreshold,
			SlowCallDurationThreshold: d.CircuitBreaker.SlowCallDurationThreshold,
			SlowCallRateThreshold:     d.CircuitBreaker.SlowCallRateThreshold,
			WaitDurationInOpenState:   d.CircuitBreaker.WaitDurationInOpenState,
			PermittedCallsInHalfOpen:  d.CircuitBreaker.PermittedCallsInHalfOpen,
		}
	}
	if d.TimeLimiter.Enabled {
		cfg.TimeLimiter = &resilience.TimeLimiterConfig{Timeout: d.TimeLimiter.Timeout}
	}
	return cfg
}

// Config описывает настройки запуска приложения.
type Config struct {
	LogLevel        string         `split_words:"true"`
	HTTPAddr        string         `envconfig:"HTTP_ADDR"`
	GRPCAddr        string         `envconfig:"GRPC_ADDR"`
	MetricsAddr     string         `split_words:"true"`
	ShutdownTimeout time.Duration  `split_words:"true"`
	ProcessingMode  ProcessingMode `split_words:"true"`

	StorageDriver           StorageDriver `split_words:"true"`
	PostgresDSN             string        `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate     bool          `split_words:"true"`
	PostgresMaxOpenConns    int           `split_words:"true"`
	PostgresMaxIdleConns    int           `split_words:"true"`
	PostgresConnMaxLifetime time.Duration `split_words:"true"`

	// RedisURL переносит ключи идемпотентности в Redis.
	RedisURL string `envconfig:"REDIS_URL"`

	KafkaBrokers               []string      `split_words:"true"`
	KafkaClientID              string        `envconfig:"KAFKA_CLIENT_ID"`
	ShipmentConsumerEnabled    bool          `split_words:"true"`
	ShipmentConsumerGroup      string        `split_words:"true"`
	ShipmentConsumerMaxRetries int           `split_words:"true"`
	ShipmentConsumerRetryDelay time.Duration `split_words:"true"`

	OutboxPollInterval    time.Duration `split_words:"true"`
	OutboxBatchSize       int           `split_words:"true"`
	OutboxMaxRetries      int           `split_words:"true"`
	OutboxRetryInterval   time.Duration `split_words:"true"`
	OutboxCleanupInterval time.Duration `split_words:"true"`
	OutboxRetention       time.Duration `split_words:"true"`

	IdempotencyExpiry           time.Duration `split_words:"true"`
	IdempotencyCleanupInterval  time.Duration `split_words:"true"`
	IdempotencyCleanupBatchSize int           `split_words:"true"`
	// IdempotencyCleanupMaxBatches ограничивает один проход очистки; 0 снимает ограничение.
	IdempotencyCleanupMaxBatches int `split_words:"true"`

	Inventory DownstreamConfig
	Payment   DownstreamConfig
	Shipping  DownstreamConfig
}

// DefaultConfig возвращает значения по умолчанию; переменные окружения их переопределяют.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		MetricsAddr:     ":9090",
		ShutdownTimeout: 25 * time.Second,
		ProcessingMode:  ProcessingModeSync,

		StorageDriver:           StorageDriverMemory,
		PostgresAutoMigrate:     true,
		PostgresMaxOpenConns:    25,
		PostgresMaxIdleConns:    25,
		PostgresConnMaxLifetime: 30 * time.Minute,

		KafkaClientID:              "fulfillment-service",
		ShipmentConsumerGroup:      "fulfillment-shipping",
		ShipmentConsumerMaxRetries: 3,
		ShipmentConsumerRetryDelay: time.Second,

		OutboxPollInterval:    time.Second,
		OutboxBatchSize:       100,
		OutboxMaxRetries:      3,
		OutboxRetryInterval:   30 * time.Second,
		OutboxCleanupInterval: time.Hour,
		OutboxRetention:       24 * time.Hour,

		IdempotencyExpiry:            24 * time.Hour,
		IdempotencyCleanupInterval:   time.Hour,
		IdempotencyCleanupBatchSize:  1000,
		IdempotencyCleanupMaxBatches: 100,

		Inventory: DownstreamConfig{
			RequestTimeout: 10 * time.Second,
			Retry:          RetrySettings{Enabled: true, MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2},
		},
		Payment: DownstreamConfig{
			RequestTimeout: 10 * time.Second,
			Retry:          RetrySettings{Enabled: true, MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2},
			CircuitBreaker: defaultCircuitBreaker(),
		},
		Shipping: DownstreamConfig{
			RequestTimeout: 10 * time.Second,
			Retry:          RetrySettings{Enabled: true, MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, Multiplier: 2},
			CircuitBreaker: defaultCircuitBreaker(),
			TimeLimiter:    TimeLimiterSettings{Enabled: true, Timeout: 3 * time.Second},
		},
	}
}

func defaultCircuitBreaker() CircuitBreakerSettings {
	d := resilience.DefaultCircuitBreakerConfig()
	return CircuitBreakerSettings{
		Enabled:                   true,
		SlidingWindowSize:         d.SlidingWindowSize,
		MinimumCalls:              d.MinimumCalls,
		FailureRateThreshold:      d.FailureRateThreshold,
		SlowCallDurationThreshold: d.SlowCallDurationThreshold,
		SlowCallRateThreshold:     d.SlowCallRateThreshold,
		WaitDurationInOpenState:   d.WaitDurationInOpenState,
		PermittedCallsInHalfOpen:  d.PermittedCallsInHalfOpen,
	}
}

// LoadConfig читает переменные FULFILLMENT_* поверх DefaultConfig и проверяет результат.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate собирает все ошибки конфигурации в одну.
func (c Config) Validate() error {
	var errs error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = multierr.Append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.ProcessingMode {
	case ProcessingModeSync, ProcessingModeAsync:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported processing mode %q", c.ProcessingMode))
	}
	if c.HTTPAddr == "" {
		errs = multierr.Append(errs, errors.New("http addr is required"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = multierr.Append(errs, errors.New("outbox batch size must be positive"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxRetryInterval <= 0 || c.OutboxCleanupInterval <= 0 {
		errs = multierr.Append(errs, errors.New("outbox intervals must be positive"))
	}
	if c.IdempotencyExpiry <= 0 {
		errs = multierr.Append(errs, errors.New("idempotency expiry must be positive"))
	}
	if c.IdempotencyCleanupInterval <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = multierr.Append(errs, errors.New("idempotency cleanup interval and batch size must be positive"))
	}
	if c.IdempotencyCleanupMaxBatches < 0 {
		errs = multierr.Append(errs, errors.New("idempotency cleanup max batches must not be negative"))
	}
	if c.ShipmentConsumerEnabled && len(c.KafkaBrokers) == 0 {
		errs = multierr.Append(errs, errors.New("shipment consumer requires kafka brokers"))
	}
	downstreams := []struct {
		name string
		cfg  DownstreamConfig
	}{
		{"inventory", c.Inventory},
		{"payment", c.Payment},
		{"shipping", c.Shipping},
	}
	for _, d := range downstreams {
		if d.cfg.TimeLimiter.Enabled && d.cfg.TimeLimiter.Timeout <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s time limiter timeout must be positive", d.name))
		}
		if d.cfg.Retry.Enabled && d.cfg.Retry.MaxAttempts < 1 {
			errs = multierr.Append(errs, fmt.Errorf("%s retry max attempts must be at least 1", d.name))
		}
	}
	return errs
}

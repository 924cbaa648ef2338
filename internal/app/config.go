package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ticketing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ticketing/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/ticketing/internal/service/payment"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	LockTimeout         time.Duration

	PaymentSuccessRate float64
	PaymentLatency     time.Duration

	RedisAddr                  string
	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration

	KafkaBrokers   []string
	KafkaTopic     string
	RabbitMQURL    string
	RabbitMQQueue  string
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxAttempts int

	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                   ":8080",
		MetricsAddr:                ":9090",
		StorageDriver:              StorageDriverMemory,
		PostgresAutoMigrate:        true,
		LockTimeout:                5 * time.Second,
		PaymentSuccessRate:         payment.DefaultSuccessRate,
		PaymentLatency:             payment.DefaultLatency,
		IdempotencyTTL:             24 * time.Hour,
		IdempotencyCleanupInterval: time.Minute,
		KafkaTopic:                 kafka.TopicBookingEvents,
		RabbitMQQueue:              rabbitmq.DefaultQueue,
		OutboxPoll:                 time.Second,
		OutboxBatch:                100,
		OutboxAttempts:             3,
		ShutdownTimeout:            10 * time.Second,
	}
}

// LoadConfig накладывает переменные окружения на DefaultConfig.
// getenv == nil означает os.Getenv.
func LoadConfig(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := DefaultConfig()
	p := envParser{getenv: getenv}

	p.str("TICKETS_HTTP_ADDR", &cfg.HTTPAddr)
	p.str("TICKETS_METRICS_ADDR", &cfg.MetricsAddr)
	p.str("TICKETS_STORAGE_DRIVER", &cfg.StorageDriver)
	p.str("TICKETS_POSTGRES_DSN", &cfg.PostgresDSN)
	p.boolean("TICKETS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	p.duration("TICKETS_LOCK_TIMEOUT", &cfg.LockTimeout)
	p.float("TICKETS_PAYMENT_SUCCESS_RATE", &cfg.PaymentSuccessRate)
	p.duration("TICKETS_PAYMENT_LATENCY", &cfg.PaymentLatency)
	p.str("TICKETS_REDIS_ADDR", &cfg.RedisAddr)
	p.duration("TICKETS_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	p.duration("TICKETS_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	p.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	p.str("TICKETS_KAFKA_TOPIC", &cfg.KafkaTopic)
	p.str("TICKETS_RABBITMQ_URL", &cfg.RabbitMQURL)
	p.str("TICKETS_RABBITMQ_QUEUE", &cfg.RabbitMQQueue)
	p.duration("TICKETS_OUTBOX_POLL_INTERVAL", &cfg.OutboxPoll)
	p.integer("TICKETS_OUTBOX_BATCH_SIZE", &cfg.OutboxBatch)
	p.integer("TICKETS_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxAttempts)
	p.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	p.duration("TICKETS_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("TICKETS_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.PaymentSuccessRate < 0 || c.PaymentSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("payment success rate must be within [0, 1], got %v", c.PaymentSuccessRate))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.RabbitMQURL != "" {
		errs = append(errs, errors.New("configure either KAFKA_BROKERS or TICKETS_RABBITMQ_URL, not both"))
	}

	return errors.Join(errs...)
}

type envParser struct {
	getenv func(string) string
	errs   []error
}

func (p *envParser) lookup(key string) (string, bool) {
	raw := strings.TrimSpace(p.getenv(key))
	return raw, raw != ""
}

func (p *envParser) fail(key, raw string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (p *envParser) str(key string, dst *string) {
	if raw, ok := p.lookup(key); ok {
		*dst = raw
	}
}

func (p *envParser) list(key string, dst *[]string) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (p *envParser) boolean(key string, dst *bool) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return
	}
	*dst = v
}

func (p *envParser) integer(key string, dst *int) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return
	}
	*dst = v
}

func (p *envParser) float(key string, dst *float64) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return
	}
	*dst = v
}

func (p *envParser) duration(key string, dst *time.Duration) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return
	}
	*dst = v
}

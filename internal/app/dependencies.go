package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ticketing/internal/health"
	"github.com/vladislavdragonenkov/ticketing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ticketing/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/ticketing/internal/storage/memory"
	"github.com/vladislavdragonenkov/ticketing/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/ticketing/internal/storage/redis"
)

// Dependencies содержит хранилища и внешние клиенты сервиса.
type Dependencies struct {
	Units       domain.UnitOfWorkFactory
	Tiers       domain.TierRepository
	Bookings    domain.BookingRepository
	Attempts    domain.AttemptRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	// Publisher и DLQ равны nil, если брокер не настроен: события копятся в outbox.
	Publisher domain.OutboxPublisher
	DLQ       domain.OutboxPublisher

	checkers map[string]healthcheck.Checker
	closers  []func() error
	logger   *log.Entry
}

// NewDependencies поднимает хранилище, idempotency-хранилище и брокер по конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (_ *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		checkers: make(map[string]healthcheck.Checker),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if err := deps.initIdempotency(ctx, cfg); err != nil {
		return nil, err
	}
	if err := deps.initPublisher(cfg); err != nil {
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) initStorage(ctx context.Context, cfg Config) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		outbox := memory.NewOutboxRepository()
		store := memory.NewStore(
			memory.WithTiers(domain.DefaultTiers()...),
			memory.WithLockTimeout(cfg.LockTimeout),
			memory.WithOutbox(outbox),
			memory.WithLogger(d.logger.WithField("storage", StorageDriverMemory)),
		)
		d.Units, d.Tiers, d.Bookings = store, store, store
		d.Attempts = memory.NewAttemptRepository()
		d.Outbox = outbox
		d.Idempotency = memory.NewIdempotencyRepository()
		d.checkers["storage"] = healthcheck.NewFuncChecker("storage", store.Ping)
		d.logger.Info("using in-memory storage")
		return nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres storage requires TICKETS_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithLockTimeout(cfg.LockTimeout),
			postgres.WithLogger(d.logger.WithField("storage", StorageDriverPostgres)),
		)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}

		d.Units, d.Tiers, d.Bookings = store, store, store
		d.Attempts = postgres.NewAttemptRepository(store)
		d.Outbox = postgres.NewOutboxRepository(store)
		d.Idempotency = postgres.NewIdempotencyRepository(store)
		d.checkers["storage"] = healthcheck.NewFuncChecker("storage", store.Ping)
		d.logger.Info("using postgres storage")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initIdempotency переносит ключи в Redis, если он настроен, чтобы их видели все реплики.
func (d *Dependencies) initIdempotency(ctx context.Context, cfg Config) error {
	if cfg.RedisAddr == "" {
		return nil
	}

	client, err := redisstore.NewClient(ctx, cfg.RedisAddr, "", 0)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, client.Close)
	d.Idempotency = redisstore.NewIdempotencyRepository(client)
	d.checkers["redis"] = healthcheck.NewFuncChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	d.logger.WithField("addr", cfg.RedisAddr).Info("idempotency keys are stored in redis")
	return nil
}

func (d *Dependencies) initPublisher(cfg Config) error {
	switch {
	case len(cfg.KafkaBrokers) > 0:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, kafka.WithProducerLogger(d.logger.WithField("broker", "kafka")))
		if err != nil {
			return err
		}
		d.closers = append(d.closers, producer.Close)
		d.Publisher = kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)
		d.DLQ = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
		d.logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")

	case cfg.RabbitMQURL != "":
		publisher, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue, d.logger.WithField("broker", "rabbitmq"))
		if err != nil {
			return err
		}
		d.closers = append(d.closers, publisher.Close)
		d.Publisher = publisher
		d.logger.WithField("queue", cfg.RabbitMQQueue).Info("rabbitmq publisher initialized")

	default:
		d.logger.Warn("no message broker configured, outbox events are kept unpublished")
	}
	return nil
}

// RegisterCheckers добавляет проверки открытых ресурсов в health handler.
func (d *Dependencies) RegisterCheckers(handler *healthcheck.Handler) {
	for name, checker := range d.checkers {
		handler.RegisterChecker(name, checker)
	}
}

// Close закрывает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

package domain

import (
	"context"
	"time"
)

// TierRepository - чтение запаса вне транзакции. Снимки без блокировок,
// для принятия решений о бронировании не используются.
type TierRepository interface {
	// FindAll возвращает все категории в порядке заведения.
	FindAll(ctx context.Context) ([]TierInventory, error)
	// Find возвращает категорию или ErrTicketNotFound.
	Find(ctx context.Context, tier Tier) (TierInventory, error)
}

// TierTxRepository - операции над запасом внутри единицы работы.
type TierTxRepository interface {
	// Find читает категорию в рамках транзакции, ErrTicketNotFound если её нет.
	Find(ctx context.Context, tier Tier) (TierInventory, error)
	// TryDecrement берёт эксклюзивную блокировку строки категории, проверяет остаток
	// и списывает quantity, если его хватает. Блокировка держится до Commit/Rollback.
	TryDecrement(ctx context.Context, tier Tier, quantity int) (DecrementResult, error)
}

// BookingTxRepository сохраняет бронирования внутри единицы работы.
type BookingTxRepository interface {
	// Create сохраняет запись и возвращает её с присвоенными ID и CreatedAt.
	Create(ctx context.Context, booking BookingRecord) (BookingRecord, error)
}

// BookingRepository - чтение подтверждённых бронирований.
type BookingRepository interface {
	Get(ctx context.Context, id int64) (BookingRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]BookingRecord, error)
}

// OutboxWriter ставит событие в transactional outbox.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// UnitOfWork - граница транзакции резервирования. Все изменения применяются
// вместе на Commit или отбрасываются на Rollback. Rollback после Commit ничего не делает.
type UnitOfWork interface {
	Tiers() TierTxRepository
	Bookings() BookingTxRepository
	Outbox() OutboxWriter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory открывает единицы работы.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// PaymentGateway - внешний платёжный шлюз. Возвращает false при отказе в платеже;
// ошибка означает, что результат получить не удалось.
type PaymentGateway interface {
	Charge(ctx context.Context, amountMinor int64) (bool, error)
}

// AttemptRepository - журнал попыток бронирования, не участвует в транзакции резервирования.
type AttemptRepository interface {
	Append(ctx context.Context, attempt BookingAttempt) error
	ListByUser(ctx context.Context, userID string, limit int) ([]BookingAttempt, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	OutboxWriter
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет ключ, чтобы запрос можно было повторить (после временных ошибок).
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

const (
	// OutboxAggregateBooking - тип агрегата для событий бронирования.
	OutboxAggregateBooking = "booking"
	// OutboxEventBookingConfirmed публикуется после фиксации бронирования.
	OutboxEventBookingConfirmed = "booking.confirmed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

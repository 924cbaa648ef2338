package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTicketNotFound - категория билетов отсутствует в хранилище.
	ErrTicketNotFound = errors.New("TICKET_NOT_FOUND")
	// ErrInsufficientTickets - остатка категории не хватает на запрошенное количество.
	ErrInsufficientTickets = errors.New("INSUFFICIENT_TICKETS")
	// ErrPaymentFailed - платёж отклонён, резервирование откачено.
	ErrPaymentFailed = errors.New("Payment processing failed. Please try again.") //nolint:staticcheck // текст уходит клиенту как есть.
	// ErrInventoryBusy - не удалось дождаться блокировки строки запаса (таймаут, deadlock).
	// Временная ошибка: клиент может повторить запрос.
	ErrInventoryBusy = errors.New("inventory is busy")
	// ErrBookingNotFound возвращается, если бронирование не найдено.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrTransactionClosed - операция над уже завершённой единицей работы.
	ErrTransactionClosed = errors.New("unit of work is already closed")

	// Ошибки инвариантов запаса.
	ErrTierInvalid             = errors.New("tier is not supported")
	ErrTierPriceInvalid        = errors.New("tier price must be positive")
	ErrTierCapacityInvalid     = errors.New("tier capacity must be non-negative")
	ErrTierAvailableOutOfRange = errors.New("tier available count is out of range")
	ErrQuantityInvalid         = errors.New("quantity must be greater than zero")
	ErrPaymentAmountInvalid    = errors.New("payment amount must be positive")

	// Ошибки idempotency-ключей.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")

	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// FieldDetail указывает на поле запроса, нарушившее правило.
type FieldDetail struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError - запрос не прошёл проверку формы.
type ValidationError struct {
	Details []FieldDetail
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "invalid request"
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Details[0].Path, e.Details[0].Message)
}

// InsufficientTicketsError несёт детали отказа по остатку и сводится к ErrInsufficientTickets.
type InsufficientTicketsError struct {
	Tier      Tier
	Requested int
	Available int
}

func (e *InsufficientTicketsError) Error() string {
	return ErrInsufficientTickets.Error()
}

func (e *InsufficientTicketsError) Unwrap() error {
	return ErrInsufficientTickets
}

// Details возвращает описание по полю quantity.
func (e *InsufficientTicketsError) Details() []FieldDetail {
	return []FieldDetail{{
		Path:    "quantity",
		Message: fmt.Sprintf("requested %d tickets but only %d available for tier %s", e.Requested, e.Available, e.Tier),
	}}
}

// IsIdempotencyConflict проверяет, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsOperational отделяет ожидаемые бизнес-отказы от непредвиденных ошибок.
func IsOperational(err error) bool {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrInsufficientTickets),
		errors.Is(err, ErrPaymentFailed),
		errors.Is(err, ErrInventoryBusy),
		errors.Is(err, ErrBookingNotFound):
		return true
	default:
		return false
	}
}

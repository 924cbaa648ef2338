package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// Topics по умолчанию.
const (
	TopicBookingEvents   = "tickets.booking.events"
	TopicDeadLetterQueue = "tickets.dlq"
)

// Заголовки Kafka-сообщений.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// Envelope - формат сообщения в topic событий бронирования.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// DecodeBookingConfirmed разбирает payload события booking.confirmed.
func (e Envelope) DecodeBookingConfirmed() (domain.BookingConfirmedEvent, error) {
	var event domain.BookingConfirmedEvent
	err := json.Unmarshal(e.Payload, &event)
	return event, err
}

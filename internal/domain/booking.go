package domain

import (
	"strings"
	"time"
)

// BookingStatus описывает состояние записи о бронировании.
type BookingStatus string

const (
	// BookingStatusConfirmed - бронирование оплачено и зафиксировано вместе со списанием остатка.
	BookingStatusConfirmed BookingStatus = "confirmed"
)

// BookingRecord - подтверждённое бронирование. Создаётся один раз в той же
// транзакции, что и списание остатка, и после этого не меняется.
type BookingRecord struct {
	ID               int64
	UserID           string
	Tier             Tier
	Quantity         int
	TotalAmountMinor int64
	Status           BookingStatus
	CreatedAt        time.Time
}

// BookingRequest - входные данные протокола резервирования.
type BookingRequest struct {
	UserID   string
	Tier     Tier
	Quantity int
}

// Validate проверяет форму запроса и возвращает ValidationError с деталями по полям.
func (r BookingRequest) Validate() error {
	var details []FieldDetail

	if strings.TrimSpace(r.UserID) == "" {
		details = append(details, FieldDetail{Path: "userId", Message: "userId is required"})
	}
	if !r.Tier.Valid() {
		details = append(details, FieldDetail{Path: "tier", Message: "tier must be one of VIP, FRONT_ROW, GA"})
	}
	if r.Quantity <= 0 {
		details = append(details, FieldDetail{Path: "quantity", Message: "quantity must be a positive integer"})
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

// BookingResult - то, что протокол возвращает вызывающему после фиксации.
type BookingResult struct {
	Booking           BookingRecord
	Tier              Tier
	BookedQuantity    int
	RemainingQuantity int
	TotalAmountMinor  int64
}

// DecrementResult - итог атомарной проверки и списания остатка.
// Available - остаток после списания, либо наблюдённый остаток, если списание не применено.
type DecrementResult struct {
	Applied   bool
	Available int
}

// BookingStep задаёт шаги протокола резервирования для метрик и логов.
type BookingStep string

const (
	BookingStepStarted        BookingStep = "started"
	BookingStepLocked         BookingStep = "locked"
	BookingStepVerified       BookingStep = "verified"
	BookingStepDecremented    BookingStep = "decremented"
	BookingStepPaymentPending BookingStep = "payment_pending"
	BookingStepCommitted      BookingStep = "committed"
	BookingStepRolledBack     BookingStep = "rolled_back"
)

// AttemptOutcome - итог попытки бронирования для журнала попыток.
type AttemptOutcome string

const (
	AttemptOutcomeConfirmed     AttemptOutcome = "confirmed"
	AttemptOutcomeNotFound      AttemptOutcome = "not_found"
	AttemptOutcomeInsufficient  AttemptOutcome = "insufficient"
	AttemptOutcomePaymentFailed AttemptOutcome = "payment_failed"
	AttemptOutcomeBusy          AttemptOutcome = "busy"
	AttemptOutcomeError         AttemptOutcome = "error"
)

// BookingAttempt - запись журнала попыток. Пишется вне транзакции резервирования,
// поэтому сохраняется и для откаченных попыток.
type BookingAttempt struct {
	ID        int64
	UserID    string
	Tier      Tier
	Quantity  int
	Outcome   AttemptOutcome
	BookingID int64
	CreatedAt time.Time
}

// BookingConfirmedEvent - полезная нагрузка события booking.confirmed в outbox.
type BookingConfirmedEvent struct {
	BookingID        int64     `json:"bookingId"`
	UserID           string    `json:"userId"`
	Tier             Tier      `json:"tier"`
	Quantity         int       `json:"quantity"`
	TotalAmountMinor int64     `json:"totalAmount"`
	Currency         string    `json:"currency"`
	ConfirmedAt      time.Time `json:"confirmedAt"`
}

package rest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// envelope - общий формат всех ответов API.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Details []domain.FieldDetail `json:"details,omitempty"`
}

type tierDTO struct {
	Tier              domain.Tier `json:"tier"`
	Price             int64       `json:"price"`
	Currency          string      `json:"currency"`
	TotalQuantity     int         `json:"totalQuantity"`
	AvailableQuantity int         `json:"availableQuantity"`
}

func newTierDTO(t domain.TierInventory) tierDTO {
	return tierDTO{
		Tier:              t.Tier,
		Price:             t.PriceMinor,
		Currency:          domain.DefaultCurrency,
		TotalQuantity:     t.TotalCapacity,
		AvailableQuantity: t.Available,
	}
}

type bookingResultDTO struct {
	BookingID         int64       `json:"bookingId"`
	Tier              domain.Tier `json:"tier"`
	BookedQuantity    int         `json:"bookedQuantity"`
	RemainingQuantity int         `json:"remainingQuantity"`
	TotalAmount       int64       `json:"totalAmount"`
	Currency          string      `json:"currency"`
}

func newBookingResultDTO(r domain.BookingResult) bookingResultDTO {
	return bookingResultDTO{
		BookingID:         r.Booking.ID,
		Tier:              r.Tier,
		BookedQuantity:    r.BookedQuantity,
		RemainingQuantity: r.RemainingQuantity,
		TotalAmount:       r.TotalAmountMinor,
		Currency:          domain.DefaultCurrency,
	}
}

type bookingDTO struct {
	BookingID   int64       `json:"bookingId"`
	UserID      string      `json:"userId"`
	Tier        domain.Tier `json:"tier"`
	Quantity    int         `json:"quantity"`
	TotalAmount int64       `json:"totalAmount"`
	Currency    string      `json:"currency"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func newBookingDTO(b domain.BookingRecord) bookingDTO {
	return bookingDTO{
		BookingID:   b.ID,
		UserID:      b.UserID,
		Tier:        b.Tier,
		Quantity:    b.Quantity,
		TotalAmount: b.TotalAmountMinor,
		Currency:    domain.DefaultCurrency,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
	}
}

type attemptDTO struct {
	ID        int64       `json:"id"`
	UserID    string      `json:"userId"`
	Tier      domain.Tier `json:"tier"`
	Quantity  int         `json:"quantity"`
	Outcome   string      `json:"outcome"`
	BookingID int64       `json:"bookingId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func newAttemptDTO(a domain.BookingAttempt) attemptDTO {
	return attemptDTO{
		ID:        a.ID,
		UserID:    a.UserID,
		Tier:      a.Tier,
		Quantity:  a.Quantity,
		Outcome:   string(a.Outcome),
		BookingID: a.BookingID,
		CreatedAt: a.CreatedAt,
	}
}

// bookRequestBody держит поля сырыми, чтобы отличать отсутствие поля от неверного типа.
type bookRequestBody struct {
	UserID   json.RawMessage `json:"userId"`
	Tier     json.RawMessage `json:"tier"`
	Quantity json.RawMessage `json:"quantity"`
}

// parseBookRequest разбирает тело POST /tickets/book и собирает ошибки по всем полям.
func parseBookRequest(body []byte) (domain.BookingRequest, error) {
	var raw bookRequestBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.BookingRequest{}, &domain.ValidationError{Details: []domain.FieldDetail{{
			Path:    "body",
			Message: "request body must be a JSON object",
		}}}
	}

	var (
		req     domain.BookingRequest
		details []domain.FieldDetail
	)

	if userID, ok := rawString(raw.UserID); ok && strings.TrimSpace(userID) != "" {
		req.UserID = strings.TrimSpace(userID)
	} else {
		details = append(details, domain.FieldDetail{Path: "userId", Message: "userId must be a non-empty string"})
	}

	if tier, ok := rawString(raw.Tier); ok && domain.Tier(tier).Valid() {
		req.Tier = domain.Tier(tier)
	} else {
		details = append(details, domain.FieldDetail{Path: "tier", Message: "tier must be one of VIP, FRONT_ROW, GA"})
	}

	if quantity, ok := rawPositiveInt(raw.Quantity); ok {
		req.Quantity = quantity
	} else {
		details = append(details, domain.FieldDetail{Path: "quantity", Message: "quantity must be a positive integer"})
	}

	if len(details) > 0 {
		return domain.BookingRequest{}, &domain.ValidationError{Details: details}
	}
	return req, nil
}

func rawString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// rawPositiveInt принимает только целые JSON-числа без дробной части и экспоненты.
func rawPositiveInt(raw json.RawMessage) (int, bool) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || n <= 0 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// Коды ошибок API.
const (
	codeValidation            = "VALIDATION_ERROR"
	codeNotFound              = "NOT_FOUND"
	codeUnprocessable         = "UNPROCESSABLE_ENTITY"
	codePaymentFailed         = "PAYMENT_FAILED"
	codeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	codeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	codeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	codeInternal              = "INTERNAL_SERVER_ERROR"
	codeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	codePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
)

const retryAfterSeconds = "1"

// errorResponse сопоставляет ошибку сервиса HTTP-статусу и телу ответа.
// Непредвиденные ошибки сводятся к 500 без подробностей.
func errorResponse(err error) (int, envelope) {
	var (
		validation   *domain.ValidationError
		insufficient *domain.InsufficientTicketsError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, failure(codeValidation, "Invalid request body", validation.Details)
	case errors.Is(err, domain.ErrTicketNotFound):
		return http.StatusNotFound, failure(codeNotFound, domain.ErrTicketNotFound.Error(), nil)
	case errors.Is(err, domain.ErrBookingNotFound):
		return http.StatusNotFound, failure(codeNotFound, "BOOKING_NOT_FOUND", nil)
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, failure(codeUnprocessable, domain.ErrInsufficientTickets.Error(), insufficient.Details())
	case errors.Is(err, domain.ErrInsufficientTickets):
		return http.StatusUnprocessableEntity, failure(codeUnprocessable, domain.ErrInsufficientTickets.Error(), nil)
	case errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusUnprocessableEntity, failure(codePaymentFailed, domain.ErrPaymentFailed.Error(), nil)
	case errors.Is(err, domain.ErrInventoryBusy):
		return http.StatusServiceUnavailable, failure(codeServiceUnavailable, "Inventory is busy, please retry", nil)
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusConflict, failure(codeIdempotencyConflict, "Idempotency-Key is already used with a different request", nil)
	default:
		return http.StatusInternalServerError, failure(codeInternal, "Internal server error", nil)
	}
}

func failure(code, message string, details []domain.FieldDetail) envelope {
	return envelope{Error: &apiError{Code: code, Message: message, Details: details}}
}

func success(data any) envelope {
	return envelope{Success: true, Data: data}
}

// writeError отдаёт ошибку клиенту и пишет её в лог с уровнем по типу.
func (h *Handler) writeError(c echo.Context, err error) error {
	status, body := errorResponse(err)

	entry := h.logger.WithFields(log.Fields{
		"method": c.Request().Method,
		"route":  c.Path(),
		"status": status,
	})
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		entry.WithError(err).Error("request failed")
	default:
		entry.WithError(err).Debug("request rejected")
	}

	return writeJSON(c, status, body)
}

func writeJSON(c echo.Context, status int, body envelope) error {
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
	}
	return c.JSON(status, body)
}

// errorHandler приводит ошибки самого echo (нет маршрута, паника, лимит тела) к общему формату.
func (h *Handler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		_ = h.writeError(c, err)
		return
	}

	var body envelope
	switch httpErr.Code {
	case http.StatusNotFound:
		body = failure(codeNotFound, "Route not found", nil)
	case http.StatusMethodNotAllowed:
		body = failure(codeMethodNotAllowed, "Method not allowed", nil)
	case http.StatusRequestEntityTooLarge:
		body = failure(codePayloadTooLarge, "Request body is too large", nil)
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		body = failure(codeValidation, "Invalid request body", nil)
	default:
		h.logger.WithError(err).Error("unhandled http error")
		_ = writeJSON(c, http.StatusInternalServerError, failure(codeInternal, "Internal server error", nil))
		return
	}
	_ = writeJSON(c, httpErr.Code, body)
}

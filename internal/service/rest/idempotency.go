package rest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotent-Replayed"
	maxIdempotencyKeyLength = 128
)

// bookIdempotent выполняет бронирование не более одного раза на ключ.
// Ответы 2xx и 4xx сохраняются и повторяются; после 5xx ключ освобождается для повтора.
func (h *Handler) bookIdempotent(c echo.Context, key string, req domain.BookingRequest) error {
	if len(key) > maxIdempotencyKeyLength {
		return h.writeError(c, &domain.ValidationError{Details: []domain.FieldDetail{{
			Path:    idempotencyKeyHeader,
			Message: "Idempotency-Key must be at most " + strconv.Itoa(maxIdempotencyKeyLength) + " characters",
		}}})
	}

	ctx := c.Request().Context()
	entry := h.logger.WithField("idempotency_key", key)

	record, err := h.idempotency.CreateProcessing(ctx, key, bookRequestHash(req), h.now().Add(h.idempotencyTTL))
	if err != nil {
		return h.replay(c, entry, record, err)
	}

	status, body := h.runBook(ctx, req)
	h.storeOutcome(ctx, entry, key, status, body)
	return writeJSON(c, status, body)
}

func (h *Handler) replay(c echo.Context, entry *log.Entry, record domain.IdempotencyRecord, createErr error) error {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return h.writeError(c, createErr)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		entry.WithError(createErr).Error("failed to reserve idempotency key")
		return h.writeError(c, createErr)
	}

	if !record.Completed() {
		return writeJSON(c, http.StatusConflict, failure(codeIdempotencyInProgress, "A request with this Idempotency-Key is still being processed", nil))
	}
	if record.HTTPStatus == 0 || len(record.ResponseBody) == 0 {
		entry.Error("stored idempotent response is empty")
		return writeJSON(c, http.StatusInternalServerError, failure(codeInternal, "Internal server error", nil))
	}

	c.Response().Header().Set(idempotencyReplayHeader, "true")
	return c.JSONBlob(record.HTTPStatus, record.ResponseBody)
}

// storeOutcome сохраняет ответ под ключом. Ошибки хранилища не влияют на ответ клиенту.
func (h *Handler) storeOutcome(ctx context.Context, entry *log.Entry, key string, status int, body envelope) {
	// Запрос мог быть отменён, но исход бронирования уже известен и должен сохраниться.
	ctx = context.WithoutCancel(ctx)

	if retryable(status, body) {
		if err := h.idempotency.Release(ctx, key); err != nil {
			entry.WithError(err).Warn("failed to release idempotency key")
		}
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		entry.WithError(err).Warn("failed to encode idempotent response")
		_ = h.idempotency.Release(ctx, key)
		return
	}

	if status < http.StatusMultipleChoices {
		err = h.idempotency.MarkDone(ctx, key, payload, status)
	} else {
		err = h.idempotency.MarkFailed(ctx, key, payload, status)
	}
	if err != nil {
		entry.WithError(err).Warn("failed to store idempotent response")
	}
}

// retryable сообщает, что ответ не фиксируется под ключом и повтор с тем же ключом выполнит запрос заново.
// Отказ платежа ничего не списывает, поэтому повтор может пройти.
func retryable(status int, body envelope) bool {
	if status >= http.StatusInternalServerError {
		return true
	}
	return body.Error != nil && body.Error.Code == codePaymentFailed
}

// bookRequestHash - отпечаток нормализованного запроса, привязанный к ключу.
func bookRequestHash(req domain.BookingRequest) string {
	sum := sha256.Sum256([]byte("POST /tickets/book\n" + req.UserID + "\n" + req.Tier.String() + "\n" + strconv.Itoa(req.Quantity)))
	return hex.EncodeToString(sum[:])
}

package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	"github.com/vladislavdragonenkov/ticketing/internal/metrics"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	bodyLimit             = "64K"
)

// BookingService - операции, которые API вызывает у сервиса бронирования.
type BookingService interface {
	Book(ctx context.Context, req domain.BookingRequest) (domain.BookingResult, error)
	ListTiers(ctx context.Context) ([]domain.TierInventory, error)
	GetTier(ctx context.Context, tier domain.Tier) (domain.TierInventory, error)
	GetBooking(ctx context.Context, id int64) (domain.BookingRecord, error)
	ListUserBookings(ctx context.Context, userID string, limit int) ([]domain.BookingRecord, error)
	ListUserAttempts(ctx context.Context, userID string, limit int) ([]domain.BookingAttempt, error)
}

// Handler обслуживает HTTP API бронирования.
type Handler struct {
	svc            BookingService
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	metrics        *metrics.HTTPMetrics
	logger         *log.Entry
	now            func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithIdempotency включает обработку заголовка Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idempotency = repo
		if ttl > 0 {
			h.idempotencyTTL = ttl
		}
	}
}

// WithHTTPMetrics включает метрики запросов.
func WithHTTPMetrics(m *metrics.HTTPMetrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик API.
func NewHandler(svc BookingService, opts ...Option) *Handler {
	h := &Handler{
		svc:            svc,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         log.WithField("component", "http-api"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewEcho собирает echo с middleware и маршрутами API.
func NewEcho(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler

	e.Use(middleware.Recover())
	e.Use(h.requestLogger())
	if h.metrics != nil {
		e.Use(h.observe)
	}
	e.Use(middleware.BodyLimit(bodyLimit))

	h.Register(e)
	return e
}

// Register регистрирует маршруты API.
func (h *Handler) Register(e *echo.Echo) {
	tickets := e.Group("/tickets")
	tickets.GET("", h.listTiers)
	tickets.POST("/book", h.book)
	tickets.GET("/:tier", h.getTier)

	e.GET("/bookings/:id", h.getBooking)
	e.GET("/users/:userId/bookings", h.listUserBookings)
	e.GET("/users/:userId/booking-attempts", h.listUserAttempts)
}

func (h *Handler) listTiers(c echo.Context) error {
	tiers, err := h.svc.ListTiers(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}

	data := make([]tierDTO, 0, len(tiers))
	for _, t := range tiers {
		data = append(data, newTierDTO(t))
	}
	return c.JSON(http.StatusOK, success(data))
}

func (h *Handler) getTier(c echo.Context) error {
	tier, err := domain.ParseTier(c.Param("tier"))
	if err != nil {
		return h.writeError(c, domain.ErrTicketNotFound)
	}

	inventory, err := h.svc.GetTier(c.Request().Context(), tier)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, success(newTierDTO(inventory)))
}

func (h *Handler) book(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		// BodyLimit отдаёт 413 через errorHandler.
		return err
	}

	req, err := parseBookRequest(body)
	if err != nil {
		return h.writeError(c, err)
	}

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
	if key == "" || h.idempotency == nil {
		status, resp := h.runBook(c.Request().Context(), req)
		return writeJSON(c, status, resp)
	}
	return h.bookIdempotent(c, key, req)
}

// runBook выполняет бронирование и возвращает готовый ответ.
func (h *Handler) runBook(ctx context.Context, req domain.BookingRequest) (int, envelope) {
	result, err := h.svc.Book(ctx, req)
	if err != nil {
		status, body := errorResponse(err)
		if status == http.StatusInternalServerError {
			h.logger.WithError(err).WithField("route", "/tickets/book").Error("booking failed")
		}
		return status, body
	}
	return http.StatusCreated, success(newBookingResultDTO(result))
}

func (h *Handler) getBooking(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return h.writeError(c, &domain.ValidationError{Details: []domain.FieldDetail{{
			Path:    "id",
			Message: "id must be a positive integer",
		}}})
	}

	booking, err := h.svc.GetBooking(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, success(newBookingDTO(booking)))
}

func (h *Handler) listUserBookings(c echo.Context) error {
	limit, err := parseLimit(c)
	if err != nil {
		return h.writeError(c, err)
	}

	bookings, err := h.svc.ListUserBookings(c.Request().Context(), c.Param("userId"), limit)
	if err != nil {
		return h.writeError(c, err)
	}

	data := make([]bookingDTO, 0, len(bookings))
	for _, b := range bookings {
		data = append(data, newBookingDTO(b))
	}
	return c.JSON(http.StatusOK, success(data))
}

func (h *Handler) listUserAttempts(c echo.Context) error {
	limit, err := parseLimit(c)
	if err != nil {
		return h.writeError(c, err)
	}

	attempts, err := h.svc.ListUserAttempts(c.Request().Context(), c.Param("userId"), limit)
	if err != nil {
		return h.writeError(c, err)
	}

	data := make([]attemptDTO, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, newAttemptDTO(a))
	}
	return c.JSON(http.StatusOK, success(data))
}

func parseLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, &domain.ValidationError{Details: []domain.FieldDetail{{
			Path:    "limit",
			Message: "limit must be a positive integer",
		}}}
	}
	return limit, nil
}

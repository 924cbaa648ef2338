package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	"github.com/vladislavdragonenkov/ticketing/internal/metrics"
)

const (
	tracerName = "github.com/vladislavdragonenkov/ticketing/internal/service/booking"

	// DefaultListLimit и MaxListLimit ограничивают выборки по пользователю.
	DefaultListLimit = 50
	MaxListLimit     = 200

	// Откат и запись журнала выполняются даже после отмены запроса.
	cleanupTimeout = 5 * time.Second

	// Общее чтение снимка категорий.
	snapshotTimeout = 5 * time.Second
)

// Service реализует протокол резервирования: блокировка категории, проверка остатка,
// списание, платёж и фиксация либо откат единым целым.
type Service struct {
	units    domain.UnitOfWorkFactory
	tiers    domain.TierRepository
	bookings domain.BookingRepository
	payments domain.PaymentGateway
	attempts domain.AttemptRepository

	metrics *metrics.BookingMetrics
	tracer  trace.Tracer
	logger  *log.Entry
	now     func() time.Time

	snapshots singleflight.Group
}

// Option настраивает Service.
type Option func(*Service)

// WithAttempts включает журнал попыток.
func WithAttempts(attempts domain.AttemptRepository) Option {
	return func(s *Service) {
		s.attempts = attempts
	}
}

// WithMetrics задаёт метрики протокола. Без них метрики не пишутся.
func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer подменяет tracer (по умолчанию глобальный otel).
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService собирает сервис бронирования.
func NewService(
	units domain.UnitOfWorkFactory,
	tiers domain.TierRepository,
	bookings domain.BookingRepository,
	payments domain.PaymentGateway,
	opts ...Option,
) *Service {
	s := &Service{
		units:    units,
		tiers:    tiers,
		bookings: bookings,
		payments: payments,
		tracer:   otel.Tracer(tracerName),
		logger:   log.WithField("component", "booking-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book выполняет протокол резервирования. Результат всегда один из двух:
// ничего не сохранено, либо сохранены списание, бронирование и событие.
func (s *Service) Book(ctx context.Context, req domain.BookingRequest) (domain.BookingResult, error) {
	if err := req.Validate(); err != nil {
		return domain.BookingResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("booking.tier", req.Tier.String()),
		attribute.Int("booking.quantity", req.Quantity),
	))
	defer span.End()

	started := time.Now()
	if s.metrics != nil {
		s.metrics.RecordStarted()
	}

	entry := s.logger.WithFields(log.Fields{
		"user_id":  req.UserID,
		"tier":     req.Tier,
		"quantity": req.Quantity,
	})

	result, err := s.reserve(ctx, req, &stepTracker{svc: s, span: span, logger: entry, last: started, step: domain.BookingStepStarted})
	outcome := outcomeOf(err)

	if s.metrics != nil {
		s.metrics.RecordFinished(string(outcome), time.Since(started))
	}
	s.appendAttempt(ctx, req, outcome, result.Booking.ID)

	span.SetAttributes(attribute.String("booking.outcome", string(outcome)))
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.RecordTicketsSold(req.Tier.String(), req.Quantity)
		}
		span.SetAttributes(attribute.Int64("booking.id", result.Booking.ID))
		entry.WithFields(log.Fields{
			"booking_id": result.Booking.ID,
			"remaining":  result.RemainingQuantity,
		}).Info("booking confirmed")
	case domain.IsOperational(err):
		span.SetStatus(codes.Error, string(outcome))
		entry.WithField("outcome", outcome).WithError(err).Warn("booking rejected")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Error("booking failed")
	}

	return result, err
}

func (s *Service) reserve(ctx context.Context, req domain.BookingRequest, steps *stepTracker) (domain.BookingResult, error) {
	uow, err := s.units.Begin(ctx)
	if err != nil {
		return domain.BookingResult{}, fmt.Errorf("begin booking: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if rbErr := uow.Rollback(rbCtx); rbErr != nil {
			steps.logger.WithError(rbErr).Error("booking rollback failed")
		}
		steps.enter(domain.BookingStepRolledBack)
	}()

	tier, err := uow.Tiers().Find(ctx, req.Tier)
	if err != nil {
		return domain.BookingResult{}, err
	}

	// Блокировка категории берётся внутри TryDecrement и держится до Commit/Rollback.
	dec, err := uow.Tiers().TryDecrement(ctx, req.Tier, req.Quantity)
	if err != nil {
		return domain.BookingResult{}, err
	}
	steps.enter(domain.BookingStepLocked)
	if !dec.Applied {
		return domain.BookingResult{}, &domain.InsufficientTicketsError{
			Tier:      req.Tier,
			Requested: req.Quantity,
			Available: dec.Available,
		}
	}
	steps.enter(domain.BookingStepVerified)
	steps.enter(domain.BookingStepDecremented)

	// Количество уже не больше ёмкости категории, переполнения нет.
	total := tier.PriceMinor * int64(req.Quantity)

	steps.enter(domain.BookingStepPaymentPending)
	approved, err := s.payments.Charge(ctx, total)
	switch {
	case err != nil:
		s.recordPayment("error")
		return domain.BookingResult{}, fmt.Errorf("charge payment: %w", err)
	case !approved:
		s.recordPayment("declined")
		return domain.BookingResult{}, domain.ErrPaymentFailed
	}
	s.recordPayment("approved")

	record, err := uow.Bookings().Create(ctx, domain.BookingRecord{
		UserID:           req.UserID,
		Tier:             req.Tier,
		Quantity:         req.Quantity,
		TotalAmountMinor: total,
		Status:           domain.BookingStatusConfirmed,
		CreatedAt:        s.now(),
	})
	if err != nil {
		return domain.BookingResult{}, fmt.Errorf("create booking: %w", err)
	}

	if err := s.enqueueConfirmed(ctx, uow, record); err != nil {
		return domain.BookingResult{}, err
	}

	if err := uow.Commit(ctx); err != nil {
		return domain.BookingResult{}, fmt.Errorf("commit booking: %w", err)
	}
	committed = true
	steps.enter(domain.BookingStepCommitted)

	return domain.BookingResult{
		Booking:           record,
		Tier:              req.Tier,
		BookedQuantity:    req.Quantity,
		RemainingQuantity: dec.Available,
		TotalAmountMinor:  total,
	}, nil
}

func (s *Service) enqueueConfirmed(ctx context.Context, uow domain.UnitOfWork, record domain.BookingRecord) error {
	payload, err := json.Marshal(domain.BookingConfirmedEvent{
		BookingID:        record.ID,
		UserID:           record.UserID,
		Tier:             record.Tier,
		Quantity:         record.Quantity,
		TotalAmountMinor: record.TotalAmountMinor,
		Currency:         domain.DefaultCurrency,
		ConfirmedAt:      record.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}

	if _, err := uow.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateBooking,
		AggregateID:   strconv.FormatInt(record.ID, 10),
		EventType:     domain.OutboxEventBookingConfirmed,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue booking event: %w", err)
	}
	return nil
}

func (s *Service) recordPayment(result string) {
	if s.metrics != nil {
		s.metrics.RecordPayment(result)
	}
}

// appendAttempt пишет журнал вне транзакции; ошибки только логируются.
func (s *Service) appendAttempt(ctx context.Context, req domain.BookingRequest, outcome domain.AttemptOutcome, bookingID int64) {
	if s.attempts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := s.attempts.Append(ctx, domain.BookingAttempt{
		UserID:    req.UserID,
		Tier:      req.Tier,
		Quantity:  req.Quantity,
		Outcome:   outcome,
		BookingID: bookingID,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("user_id", req.UserID).Warn("failed to append booking attempt")
	}
}

// outcomeOf сводит ошибку протокола к итогу попытки.
func outcomeOf(err error) domain.AttemptOutcome {
	switch {
	case err == nil:
		return domain.AttemptOutcomeConfirmed
	case errors.Is(err, domain.ErrTicketNotFound):
		return domain.AttemptOutcomeNotFound
	case errors.Is(err, domain.ErrInsufficientTickets):
		return domain.AttemptOutcomeInsufficient
	case errors.Is(err, domain.ErrPaymentFailed):
		return domain.AttemptOutcomePaymentFailed
	case errors.Is(err, domain.ErrInventoryBusy):
		return domain.AttemptOutcomeBusy
	default:
		return domain.AttemptOutcomeError
	}
}

// ListTiers возвращает снимок всех категорий. Одновременные запросы объединяются в одно чтение.
// Общее чтение не зависит от отмены контекста отдельного вызывающего, каждый ждёт результат
// только пока жив его собственный ctx.
func (s *Service) ListTiers(ctx context.Context) ([]domain.TierInventory, error) {
	ch := s.snapshots.DoChan("tiers", func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
		defer cancel()
		return s.tiers.FindAll(readCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list tiers: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("list tiers: %w", res.Err)
		}
		// Срез общий для всех ожидавших, отдаём копию.
		return append([]domain.TierInventory(nil), res.Val.([]domain.TierInventory)...), nil
	}
}

// GetTier возвращает снимок одной категории.
func (s *Service) GetTier(ctx context.Context, tier domain.Tier) (domain.TierInventory, error) {
	return s.tiers.Find(ctx, tier)
}

// GetBooking возвращает подтверждённое бронирование.
func (s *Service) GetBooking(ctx context.Context, id int64) (domain.BookingRecord, error) {
	if id <= 0 {
		return domain.BookingRecord{}, domain.ErrBookingNotFound
	}
	return s.bookings.Get(ctx, id)
}

// ListUserBookings возвращает бронирования пользователя, новые первыми.
func (s *Service) ListUserBookings(ctx context.Context, userID string, limit int) ([]domain.BookingRecord, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	return s.bookings.ListByUser(ctx, userID, clampLimit(limit))
}

// ListUserAttempts возвращает журнал попыток пользователя, новые первыми.
func (s *Service) ListUserAttempts(ctx context.Context, userID string, limit int) ([]domain.BookingAttempt, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []domain.BookingAttempt{}, nil
	}
	return s.attempts.ListByUser(ctx, userID, clampLimit(limit))
}

func normalizeUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", &domain.ValidationError{Details: []domain.FieldDetail{{Path: "userId", Message: "userId is required"}}}
	}
	return userID, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// stepTracker отмечает переходы протокола в метриках, трейсе и логе.
type stepTracker struct {
	svc    *Service
	span   trace.Span
	logger *log.Entry
	last   time.Time
	step   domain.BookingStep
}

func (t *stepTracker) enter(step domain.BookingStep) {
	now := time.Now()
	if t.svc.metrics != nil {
		t.svc.metrics.RecordStepDuration(string(t.step), now.Sub(t.last))
	}
	t.span.AddEvent(string(step))
	t.logger.WithField("step", step).Debug("booking step")
	t.step, t.last = step, now
}

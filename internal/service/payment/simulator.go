package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

const (
	// DefaultSuccessRate - доля успешных списаний у симулятора.
	DefaultSuccessRate = 0.9
	// DefaultLatency - задержка ответа «шлюза».
	DefaultLatency = 100 * time.Millisecond
)

// Simulator имитирует внешний платёжный шлюз: ждёт Latency и одобряет платёж с вероятностью SuccessRate.
// Деньги никуда не списываются.
type Simulator struct {
	successRate float64
	latency     time.Duration
	random      func() float64
	logger      *log.Entry
}

// SimulatorOption настраивает Simulator.
type SimulatorOption func(*Simulator)

// WithSuccessRate задаёт вероятность успеха в диапазоне [0, 1].
func WithSuccessRate(rate float64) SimulatorOption {
	return func(s *Simulator) {
		if rate >= 0 && rate <= 1 {
			s.successRate = rate
		}
	}
}

// WithLatency задаёт задержку ответа. Ноль отключает ожидание.
func WithLatency(latency time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if latency >= 0 {
			s.latency = latency
		}
	}
}

// WithRandom подменяет источник случайности. Функция должна возвращать значение из [0, 1)
// и быть безопасной для конкурентного вызова.
func WithRandom(random func() float64) SimulatorOption {
	return func(s *Simulator) {
		if random != nil {
			s.random = random
		}
	}
}

// WithLogger задаёт логгер симулятора.
func WithLogger(logger *log.Entry) SimulatorOption {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSimulator создаёт симулятор с параметрами по умолчанию (90% успеха, 100ms).
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		successRate: DefaultSuccessRate,
		latency:     DefaultLatency,
		random:      rand.Float64,
		logger:      log.WithField("component", "payment-simulator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Charge ждёт задержку шлюза с учётом ctx и возвращает результат авторизации.
func (s *Simulator) Charge(ctx context.Context, amountMinor int64) (bool, error) {
	if amountMinor <= 0 {
		return false, fmt.Errorf("%w: %d", domain.ErrPaymentAmountInvalid, amountMinor)
	}

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("payment charge interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	approved := s.random() < s.successRate
	s.logger.WithFields(log.Fields{
		"amount_minor": amountMinor,
		"approved":     approved,
	}).Debug("payment charge simulated")
	return approved, nil
}

var _ domain.PaymentGateway = (*Simulator)(nil)

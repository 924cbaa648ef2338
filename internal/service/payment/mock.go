package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// MockService - конфигурируемая заглушка PaymentGateway для тестов.
type MockService struct {
	mu sync.Mutex

	Approve   bool
	ChargeErr error
	// OnCharge, если задан, вызывается перед ответом; позволяет тесту придержать платёж.
	OnCharge func(ctx context.Context, amountMinor int64)

	ChargeCalls int
	Amounts     []int64
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{Approve: true}
}

// Charge возвращает заранее настроенный результат и запоминает суммы.
func (m *MockService) Charge(ctx context.Context, amountMinor int64) (bool, error) {
	m.mu.Lock()
	m.ChargeCalls++
	m.Amounts = append(m.Amounts, amountMinor)
	hook := m.OnCharge
	approve, err := m.Approve, m.ChargeErr
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, amountMinor)
	}
	if err != nil {
		return false, err
	}
	return approve, nil
}

// Calls возвращает число вызовов Charge.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChargeCalls
}

// SetApprove переключает исход последующих платежей.
func (m *MockService) SetApprove(approve bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Approve = approve
}

var _ domain.PaymentGateway = (*MockService)(nil)

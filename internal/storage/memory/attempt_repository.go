package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// AttemptRepository - in-memory журнал попыток бронирования.
type AttemptRepository struct {
	mu     sync.RWMutex
	items  []domain.BookingAttempt
	nextID int64
}

// NewAttemptRepository создаёт пустой журнал.
func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{}
}

// Append добавляет запись, присваивая ID и время, если они не заданы.
func (r *AttemptRepository) Append(_ context.Context, attempt domain.BookingAttempt) error {
	if strings.TrimSpace(attempt.UserID) == "" {
		return &domain.ValidationError{Details: []domain.FieldDetail{{Path: "userId", Message: "userId is required"}}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	attempt.ID = r.nextID
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	r.items = append(r.items, attempt)
	return nil
}

// ListByUser возвращает попытки пользователя, новые первыми.
func (r *AttemptRepository) ListByUser(_ context.Context, userID string, limit int) ([]domain.BookingAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.BookingAttempt, 0)
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].UserID != userID {
			continue
		}
		result = append(result, r.items[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ domain.AttemptRepository = (*AttemptRepository)(nil)

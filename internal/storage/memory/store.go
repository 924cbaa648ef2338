package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

const defaultLockTimeout = 5 * time.Second

// tierState - категория и её эксклюзивная аренда. Аренда заменяет блокировку строки:
// кто держит её, тот единственный читает и списывает остаток категории.
type tierState struct {
	inventory domain.TierInventory
	lease     chan struct{}
}

// Store - in-memory хранилище запаса и бронирований для локальной разработки и тестов.
// Изменения единицы работы копятся отдельно и применяются только на Commit, поэтому
// снимки FindAll/Find никогда не видят незафиксированный остаток.
type Store struct {
	mu       sync.RWMutex
	tiers    map[domain.Tier]*tierState
	bookings map[int64]domain.BookingRecord

	nextBookingID atomic.Int64
	lockTimeout   time.Duration
	outbox        *OutboxRepository
	logger        *log.Entry
}

// Option настраивает Store.
type Option func(*Store)

// WithTiers задаёт стартовый запас. По умолчанию используется domain.DefaultTiers.
func WithTiers(tiers ...domain.TierInventory) Option {
	return func(s *Store) {
		s.tiers = make(map[domain.Tier]*tierState, len(tiers))
		for _, tier := range tiers {
			s.tiers[tier.Tier] = &tierState{inventory: tier, lease: make(chan struct{}, 1)}
		}
	}
}

// WithLockTimeout ограничивает ожидание аренды категории.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// WithOutbox задаёт outbox, в который попадают события зафиксированных единиц работы.
func WithOutbox(outbox *OutboxRepository) Option {
	return func(s *Store) {
		if outbox != nil {
			s.outbox = outbox
		}
	}
}

// WithLogger задаёт логгер хранилища.
func WithLogger(logger *log.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore создаёт хранилище с заданными опциями.
func NewStore(opts ...Option) *Store {
	s := &Store{
		bookings:    make(map[int64]domain.BookingRecord),
		lockTimeout: defaultLockTimeout,
		outbox:      NewOutboxRepository(),
		logger:      log.WithField("component", "memory-store"),
	}
	WithTiers(domain.DefaultTiers()...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outbox возвращает outbox, связанный с хранилищем.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

// Ping всегда успешен, пока контекст жив.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// FindAll возвращает снимок всех категорий в порядке заведения.
func (s *Store) FindAll(ctx context.Context) ([]domain.TierInventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]domain.TierInventory, 0, len(s.tiers))
	for _, state := range s.tiers {
		result = append(result, state.inventory)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Position != result[j].Position {
			return result[i].Position < result[j].Position
		}
		return result[i].Tier < result[j].Tier
	})
	return result, nil
}

// Find возвращает снимок категории или ErrTicketNotFound.
func (s *Store) Find(ctx context.Context, tier domain.Tier) (domain.TierInventory, error) {
	if err := ctx.Err(); err != nil {
		return domain.TierInventory{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.tiers[tier]
	if !ok {
		return domain.TierInventory{}, domain.ErrTicketNotFound
	}
	return state.inventory, nil
}

// Get возвращает бронирование или ErrBookingNotFound.
func (s *Store) Get(ctx context.Context, id int64) (domain.BookingRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.BookingRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	booking, ok := s.bookings[id]
	if !ok {
		return domain.BookingRecord{}, domain.ErrBookingNotFound
	}
	return booking, nil
}

// ListByUser возвращает бронирования пользователя, новые первыми.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]domain.BookingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]domain.BookingRecord, 0)
	for _, booking := range s.bookings {
		if booking.UserID == userID {
			result = append(result, booking)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Begin открывает единицу работы.
func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newUnitOfWork(s), nil
}

// acquire берёт аренду категории, ожидая не дольше lockTimeout.
func (s *Store) acquire(ctx context.Context, tier domain.Tier) error {
	s.mu.RLock()
	state, ok := s.tiers[tier]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrTicketNotFound
	}

	select {
	case state.lease <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case state.lease <- struct{}{}:
		return nil
	case <-timer.C:
		s.logger.WithField("tier", tier).Warn("tier lease wait timed out")
		return domain.ErrInventoryBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release(tier domain.Tier) {
	s.mu.RLock()
	state, ok := s.tiers[tier]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case <-state.lease:
	default:
	}
}

func (s *Store) available(tier domain.Tier) (domain.TierInventory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.tiers[tier]
	if !ok {
		return domain.TierInventory{}, false
	}
	return state.inventory, true
}

// apply фиксирует результат единицы работы одним шагом под блокировкой хранилища.
func (s *Store) apply(staged map[domain.Tier]int, bookings []domain.BookingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tier, available := range staged {
		if state, ok := s.tiers[tier]; ok {
			state.inventory.Available = available
		}
	}
	for _, booking := range bookings {
		s.bookings[booking.ID] = booking
	}
}

var (
	_ domain.TierRepository    = (*Store)(nil)
	_ domain.BookingRepository = (*Store)(nil)
	_ domain.UnitOfWorkFactory = (*Store)(nil)
)

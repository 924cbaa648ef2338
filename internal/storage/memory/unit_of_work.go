package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// unitOfWork копит изменения до Commit и держит аренды категорий, которых коснулся.
type unitOfWork struct {
	store *Store

	mu       sync.Mutex
	closed   bool
	held     map[domain.Tier]struct{}
	staged   map[domain.Tier]int
	bookings []domain.BookingRecord
	outbox   []domain.OutboxMessage
}

func newUnitOfWork(store *Store) *unitOfWork {
	return &unitOfWork{
		store:  store,
		held:   make(map[domain.Tier]struct{}),
		staged: make(map[domain.Tier]int),
	}
}

func (u *unitOfWork) Tiers() domain.TierTxRepository      { return uowTiers{u} }
func (u *unitOfWork) Bookings() domain.BookingTxRepository { return uowBookings{u} }
func (u *unitOfWork) Outbox() domain.OutboxWriter          { return uowOutbox{u} }

// Commit применяет списания, бронирования и события, затем отпускает аренды.
func (u *unitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return domain.ErrTransactionClosed
	}
	if err := ctx.Err(); err != nil {
		u.closeLocked()
		return err
	}

	u.store.apply(u.staged, u.bookings)
	for _, msg := range u.outbox {
		if _, err := u.store.outbox.Enqueue(ctx, msg); err != nil {
			u.store.logger.WithError(err).WithField("event_id", msg.ID).Error("failed to enqueue committed outbox message")
		}
	}
	u.closeLocked()
	return nil
}

// Rollback отбрасывает накопленные изменения. После Commit ничего не делает.
func (u *unitOfWork) Rollback(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closeLocked()
	return nil
}

func (u *unitOfWork) closeLocked() {
	for tier := range u.held {
		u.store.release(tier)
	}
	u.closed = true
	u.held = nil
	u.staged = nil
	u.bookings = nil
	u.outbox = nil
}

// current возвращает категорию с учётом ещё не зафиксированных списаний.
func (u *unitOfWork) current(tier domain.Tier) (domain.TierInventory, error) {
	inventory, ok := u.store.available(tier)
	if !ok {
		return domain.TierInventory{}, domain.ErrTicketNotFound
	}
	if staged, ok := u.staged[tier]; ok {
		inventory.Available = staged
	}
	return inventory, nil
}

type uowTiers struct{ u *unitOfWork }

func (r uowTiers) Find(ctx context.Context, tier domain.Tier) (domain.TierInventory, error) {
	if err := ctx.Err(); err != nil {
		return domain.TierInventory{}, err
	}

	r.u.mu.Lock()
	defer r.u.mu.Unlock()

	if r.u.closed {
		return domain.TierInventory{}, domain.ErrTransactionClosed
	}
	return r.u.current(tier)
}

func (r uowTiers) TryDecrement(ctx context.Context, tier domain.Tier, quantity int) (domain.DecrementResult, error) {
	if quantity <= 0 {
		return domain.DecrementResult{}, domain.ErrQuantityInvalid
	}

	r.u.mu.Lock()
	if r.u.closed {
		r.u.mu.Unlock()
		return domain.DecrementResult{}, domain.ErrTransactionClosed
	}
	_, alreadyHeld := r.u.held[tier]
	r.u.mu.Unlock()

	// Ждём аренду без блокировки единицы работы, чтобы Rollback из другой горутины не завис.
	if !alreadyHeld {
		if err := r.u.store.acquire(ctx, tier); err != nil {
			return domain.DecrementResult{}, err
		}
	}

	r.u.mu.Lock()
	defer r.u.mu.Unlock()

	if r.u.closed {
		if !alreadyHeld {
			r.u.store.release(tier)
		}
		return domain.DecrementResult{}, domain.ErrTransactionClosed
	}
	r.u.held[tier] = struct{}{}

	inventory, err := r.u.current(tier)
	if err != nil {
		return domain.DecrementResult{}, err
	}
	if inventory.Available < quantity {
		return domain.DecrementResult{Applied: false, Available: inventory.Available}, nil
	}

	remaining := inventory.Available - quantity
	r.u.staged[tier] = remaining
	return domain.DecrementResult{Applied: true, Available: remaining}, nil
}

type uowBookings struct{ u *unitOfWork }

// Create выдаёт ID сразу, как последовательность в БД: при откате номер теряется.
func (r uowBookings) Create(ctx context.Context, booking domain.BookingRecord) (domain.BookingRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.BookingRecord{}, err
	}

	r.u.mu.Lock()
	defer r.u.mu.Unlock()

	if r.u.closed {
		return domain.BookingRecord{}, domain.ErrTransactionClosed
	}
	if _, ok := r.u.store.available(booking.Tier); !ok {
		return domain.BookingRecord{}, domain.ErrTicketNotFound
	}
	if booking.Quantity <= 0 {
		return domain.BookingRecord{}, domain.ErrQuantityInvalid
	}

	booking.ID = r.u.store.nextBookingID.Add(1)
	if booking.Status == "" {
		booking.Status = domain.BookingStatusConfirmed
	}
	booking.CreatedAt = time.Now().UTC()
	r.u.bookings = append(r.u.bookings, booking)
	return booking, nil
}

type uowOutbox struct{ u *unitOfWork }

func (r uowOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}

	r.u.mu.Lock()
	defer r.u.mu.Unlock()

	if r.u.closed {
		return domain.OutboxMessage{}, domain.ErrTransactionClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	r.u.outbox = append(r.u.outbox, msg)
	return msg, nil
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)

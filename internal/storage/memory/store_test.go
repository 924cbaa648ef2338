package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
	"github.com/vladislavdragonenkov/ticketing/internal/storage/memory"
)

func newTestStore(t *testing.T, opts ...memory.Option) *memory.Store {
	t.Helper()
	base := []memory.Option{
		memory.WithTiers(
			domain.TierInventory{Tier: domain.TierVIP, PriceMinor: 10000, TotalCapacity: 10, Available: 10, Position: 1},
			domain.TierInventory{Tier: domain.TierGA, PriceMinor: 5000, TotalCapacity: 100, Available: 100, Position: 2},
		),
		memory.WithLockTimeout(200 * time.Millisecond),
	}
	return memory.NewStore(append(base, opts...)...)
}

func TestStore_FindAllOrderedByPosition(t *testing.T) {
	store := memory.NewStore()

	tiers, err := store.FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, domain.TierVIP, tiers[0].Tier)
	assert.Equal(t, domain.TierFrontRow, tiers[1].Tier)
	assert.Equal(t, domain.TierGA, tiers[2].Tier)
}

func TestStore_FindUnknownTier(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Find(context.Background(), domain.TierFrontRow)
	require.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestUnitOfWork_CommitAppliesDecrementAndBooking(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)

	res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 7}, res)

	booking, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "u1", Tier: domain.TierVIP, Quantity: 3, TotalAmountMinor: 30000})
	require.NoError(t, err)
	assert.Positive(t, booking.ID)

	_, err = uow.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: domain.OutboxEventBookingConfirmed})
	require.NoError(t, err)

	// До фиксации снимок не меняется.
	snapshot, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 10, snapshot.Available)
	assert.Empty(t, store.Outbox().AllPending())

	require.NoError(t, uow.Commit(ctx))
	require.NoError(t, uow.Rollback(ctx), "rollback after commit is a no-op")

	snapshot, err = store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 7, snapshot.Available)

	stored, err := store.Get(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, stored.Status)
	assert.Len(t, store.Outbox().AllPending(), 1)

	list, err := store.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestUnitOfWork_RollbackRestoresInventory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = uow.Tiers().TryDecrement(ctx, domain.TierVIP, 4)
	require.NoError(t, err)
	created, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "u1", Tier: domain.TierVIP, Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, uow.Rollback(ctx))

	snapshot, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 10, snapshot.Available)

	_, err = store.Get(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrBookingNotFound)

	_, err = uow.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.ErrorIs(t, err, domain.ErrTransactionClosed)
	require.ErrorIs(t, uow.Commit(ctx), domain.ErrTransactionClosed)
}

func TestUnitOfWork_InsufficientDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = uow.Rollback(ctx) }()

	res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: false, Available: 10}, res)

	inTx, err := uow.Tiers().Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 10, inTx.Available)
}

func TestUnitOfWork_LockTimeoutReportsBusy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, memory.WithLockTimeout(50*time.Millisecond))

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.NoError(t, err)

	waiter, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = waiter.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.ErrorIs(t, err, domain.ErrInventoryBusy)
	require.NoError(t, waiter.Rollback(ctx))

	// Другая категория не ждёт.
	other, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err := other.Tiers().TryDecrement(ctx, domain.TierGA, 1)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NoError(t, other.Commit(ctx))

	require.NoError(t, holder.Rollback(ctx))
}

func TestUnitOfWork_WaiterSeesCommittedValue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, memory.WithLockTimeout(time.Second))

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.Tiers().TryDecrement(ctx, domain.TierVIP, 8)
	require.NoError(t, err)

	done := make(chan domain.DecrementResult, 1)
	go func() {
		waiter, err := store.Begin(ctx)
		if err != nil {
			return
		}
		defer func() { _ = waiter.Rollback(ctx) }()
		res, err := waiter.Tiers().TryDecrement(ctx, domain.TierVIP, 5)
		if err == nil {
			done <- res
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, holder.Commit(ctx))

	select {
	case res := <-done:
		assert.Equal(t, domain.DecrementResult{Applied: false, Available: 2}, res)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe committed value")
	}
}

func TestUnitOfWork_ContextCancelledWhileWaiting(t *testing.T) {
	store := newTestStore(t, memory.WithLockTimeout(time.Minute))

	holder, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.Tiers().TryDecrement(context.Background(), domain.TierVIP, 1)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	waiter, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = waiter.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestUnitOfWork_ConcurrentDecrementsNeverOversell(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, memory.WithLockTimeout(5*time.Second))

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uow, err := store.Begin(ctx)
			if err != nil {
				return
			}
			res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
			if err != nil || !res.Applied {
				_ = uow.Rollback(ctx)
				return
			}
			if err := uow.Commit(ctx); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, applied)
	snapshot, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Available)
}

func TestUnitOfWork_HeldTierDoesNotBlockOtherTier(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, memory.WithLockTimeout(5*time.Second))

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err := holder.Tiers().TryDecrement(ctx, domain.TierVIP, 2)
	require.NoError(t, err)
	require.True(t, res.Applied)

	started := time.Now()
	other, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err = other.Tiers().TryDecrement(ctx, domain.TierGA, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 95}, res)
	_, err = other.Bookings().Create(ctx, domain.BookingRecord{UserID: "u2", Tier: domain.TierGA, Quantity: 5, TotalAmountMinor: 25000})
	require.NoError(t, err)
	require.NoError(t, other.Commit(ctx))
	assert.Less(t, time.Since(started), time.Second, "GA must not wait for the VIP lease")

	// Незафиксированное списание VIP не видно снаружи.
	vip, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 10, vip.Available)

	_, err = holder.Bookings().Create(ctx, domain.BookingRecord{UserID: "u1", Tier: domain.TierVIP, Quantity: 2, TotalAmountMinor: 20000})
	require.NoError(t, err)
	require.NoError(t, holder.Commit(ctx))

	tiers, err := store.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 8, tiers[0].Available)
	assert.Equal(t, 2, tiers[0].Sold())
	assert.Equal(t, 95, tiers[1].Available)
	assert.Equal(t, 5, tiers[1].Sold())
}

func TestStore_RepeatedReadsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = uow.Tiers().TryDecrement(ctx, domain.TierGA, 3)
	require.NoError(t, err)
	booking, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "u1", Tier: domain.TierGA, Quantity: 3, TotalAmountMinor: 15000})
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))

	firstAll, err := store.FindAll(ctx)
	require.NoError(t, err)
	firstGA, err := store.Find(ctx, domain.TierGA)
	require.NoError(t, err)
	firstBooking, err := store.Get(ctx, booking.ID)
	require.NoError(t, err)
	firstList, err := store.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		all, err := store.FindAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, firstAll, all)

		ga, err := store.Find(ctx, domain.TierGA)
		require.NoError(t, err)
		assert.Equal(t, firstGA, ga)

		got, err := store.Get(ctx, booking.ID)
		require.NoError(t, err)
		assert.Equal(t, firstBooking, got)

		list, err := store.ListByUser(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Equal(t, firstList, list)
	}

	// Снимки - копии: правка результата не меняет хранилище.
	firstAll[1].Available = 0
	ga, err := store.Find(ctx, domain.TierGA)
	require.NoError(t, err)
	assert.Equal(t, 97, ga.Available)
	assert.Equal(t, 3, ga.Sold())

	// Чтения не держат аренду категории.
	next, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err := next.Tiers().TryDecrement(ctx, domain.TierGA, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 96}, res)
	require.NoError(t, next.Rollback(ctx))
}

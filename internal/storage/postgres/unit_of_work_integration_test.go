package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

func TestUnitOfWork_PostgresCommitPersistsDecrementBookingAndOutbox(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)

	res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 48}, res)

	booking, err := uow.Bookings().Create(ctx, domain.BookingRecord{
		UserID:           "user-1",
		Tier:             domain.TierVIP,
		Quantity:         2,
		TotalAmountMinor: 30000,
	})
	require.NoError(t, err)
	assert.Positive(t, booking.ID)
	assert.False(t, booking.CreatedAt.IsZero())

	_, err = uow.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateBooking,
		AggregateID:   "1",
		EventType:     domain.OutboxEventBookingConfirmed,
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, uow.Commit(ctx))
	require.NoError(t, uow.Rollback(ctx))
	require.ErrorIs(t, uow.Commit(ctx), domain.ErrTransactionClosed)

	tier, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 48, tier.Available)
	assert.Equal(t, 2, tier.Sold())

	stored, err := store.Get(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, stored.Status)
	assert.Equal(t, int64(30000), stored.TotalAmountMinor)

	list, err := store.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stats, err := NewOutboxRepository(store).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
}

func TestUnitOfWork_PostgresRollbackRevertsEverything(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = uow.Tiers().TryDecrement(ctx, domain.TierGA, 5)
	require.NoError(t, err)
	created, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "user-1", Tier: domain.TierGA, Quantity: 5, TotalAmountMinor: 17500})
	require.NoError(t, err)
	require.NoError(t, uow.Rollback(ctx))

	tier, err := store.Find(ctx, domain.TierGA)
	require.NoError(t, err)
	assert.Equal(t, 500, tier.Available)

	_, err = store.Get(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestUnitOfWork_PostgresInsufficientAndUnknownTier(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	setTierAvailableForIntegrationTest(t, store, "VIP", 2)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = uow.Rollback(ctx) }()

	res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: false, Available: 2}, res)

	_, err = uow.Tiers().TryDecrement(ctx, domain.Tier("BALCONY"), 1)
	require.ErrorIs(t, err, domain.ErrTicketNotFound)
}

func TestUnitOfWork_PostgresLockTimeoutMapsToBusy(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t, WithLockTimeout(100*time.Millisecond))
	ctx := context.Background()

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	_, err = holder.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.NoError(t, err)

	waiter, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = waiter.Rollback(ctx) }()

	_, err = waiter.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
	require.ErrorIs(t, err, domain.ErrInventoryBusy)

	// Блокировка VIP не мешает другой категории.
	other, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err := other.Tiers().TryDecrement(ctx, domain.TierFrontRow, 1)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NoError(t, other.Commit(ctx))
}

func TestUnitOfWork_PostgresHeldTierDoesNotBlockOtherTier(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t, WithLockTimeout(3*time.Second))
	ctx := context.Background()

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	res, err := holder.Tiers().TryDecrement(ctx, domain.TierVIP, 2)
	require.NoError(t, err)
	require.True(t, res.Applied)

	started := time.Now()
	other, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err = other.Tiers().TryDecrement(ctx, domain.TierGA, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 495}, res)
	_, err = other.Bookings().Create(ctx, domain.BookingRecord{UserID: "user-2", Tier: domain.TierGA, Quantity: 5, TotalAmountMinor: 17500})
	require.NoError(t, err)
	require.NoError(t, other.Commit(ctx))
	assert.Less(t, time.Since(started), time.Second, "GA must not wait for the VIP row lock")

	// Незафиксированное списание VIP не видно снаружи.
	vip, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 50, vip.Available)

	_, err = holder.Bookings().Create(ctx, domain.BookingRecord{UserID: "user-1", Tier: domain.TierVIP, Quantity: 2, TotalAmountMinor: 30000})
	require.NoError(t, err)
	require.NoError(t, holder.Commit(ctx))

	tiers, err := store.FindAll(ctx)
	require.NoError(t, err)
	available := map[domain.Tier]int{}
	for _, tier := range tiers {
		available[tier.Tier] = tier.Available
	}
	assert.Equal(t, map[domain.Tier]int{domain.TierVIP: 48, domain.TierFrontRow: 100, domain.TierGA: 495}, available)
}

func TestStore_PostgresRepeatedReadsLeaveStateUnchanged(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = uow.Tiers().TryDecrement(ctx, domain.TierGA, 3)
	require.NoError(t, err)
	booking, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "user-1", Tier: domain.TierGA, Quantity: 3, TotalAmountMinor: 10500})
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))

	firstAll, err := store.FindAll(ctx)
	require.NoError(t, err)
	firstGA, err := store.Find(ctx, domain.TierGA)
	require.NoError(t, err)
	firstList, err := store.ListByUser(ctx, "user-1", 10)
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
		assert.Equal(t, booking.ID, got.ID)

		list, err := store.ListByUser(ctx, "user-1", 10)
		require.NoError(t, err)
		assert.Equal(t, firstList, list)
	}
	assert.Equal(t, 497, firstGA.Available)

	// Чтения вне транзакции не берут блокировку строки.
	next, err := store.Begin(ctx)
	require.NoError(t, err)
	res, err := next.Tiers().TryDecrement(ctx, domain.TierGA, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.DecrementResult{Applied: true, Available: 496}, res)
	require.NoError(t, next.Rollback(ctx))
}

func TestUnitOfWork_PostgresConcurrentBookingsNeverOversell(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	setTierAvailableForIntegrationTest(t, store, "VIP", 5)
	ctx := context.Background()

	const workers = 20
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			uow, err := store.Begin(ctx)
			if err != nil {
				return
			}
			defer func() { _ = uow.Rollback(ctx) }()

			res, err := uow.Tiers().TryDecrement(ctx, domain.TierVIP, 1)
			if err != nil || !res.Applied {
				return
			}
			if _, err := uow.Bookings().Create(ctx, domain.BookingRecord{UserID: "load", Tier: domain.TierVIP, Quantity: 1, TotalAmountMinor: 15000}); err != nil {
				return
			}
			if uow.Commit(ctx) == nil {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), applied.Load())

	tier, err := store.Find(ctx, domain.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 0, tier.Available)

	var sold int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM bookings WHERE tier = 'VIP'`).Scan(&sold))
	assert.Equal(t, tier.TotalCapacity-tier.Available, sold)
}

func TestAttemptRepository_PostgresAppendAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewAttemptRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, domain.BookingAttempt{UserID: "user-7", Tier: domain.TierGA, Quantity: 1, Outcome: domain.AttemptOutcomePaymentFailed}))
	require.NoError(t, repo.Append(ctx, domain.BookingAttempt{UserID: "user-7", Tier: domain.TierGA, Quantity: 1, Outcome: domain.AttemptOutcomeConfirmed, BookingID: 42}))

	list, err := repo.ListByUser(ctx, "user-7", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.AttemptOutcomeConfirmed, list[0].Outcome)
	assert.Equal(t, int64(42), list[0].BookingID)
	assert.Zero(t, list[1].BookingID)
}

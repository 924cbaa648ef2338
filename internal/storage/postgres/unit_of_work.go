package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// unitOfWork - транзакция резервирования. Блокировки строк, взятые внутри,
// держатся до Commit или Rollback.
type unitOfWork struct {
	tx *sql.Tx

	mu     sync.Mutex
	closed bool
}

// Begin открывает транзакцию READ COMMITTED и выставляет lock_timeout только для неё.
func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin booking tx: %w", err)
	}

	// set_config(..., true) действует до конца транзакции, как SET LOCAL, но принимает параметры.
	timeout := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms"
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}

	return &unitOfWork{tx: tx}, nil
}

func (u *unitOfWork) Tiers() domain.TierTxRepository      { return txTierRepository{q: u.tx} }
func (u *unitOfWork) Bookings() domain.BookingTxRepository { return txBookingRepository{q: u.tx} }
func (u *unitOfWork) Outbox() domain.OutboxWriter          { return &outboxRepository{q: u.tx} }

func (u *unitOfWork) Commit(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return domain.ErrTransactionClosed
	}
	u.closed = true

	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit booking tx: %w", mapLockError(err))
	}
	return nil
}

func (u *unitOfWork) Rollback(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback booking tx: %w", err)
	}
	return nil
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)

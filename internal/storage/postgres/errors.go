package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

// Коды SQLSTATE, которые сервис различает.
const (
	pgCheckViolation       = "23514"
	pgForeignKeyViolation  = "23503"
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

// querier - общее подмножество *sql.DB, *sql.Tx и *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isCheckViolation(err error) bool {
	return pgErrorCode(err) == pgCheckViolation
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgForeignKeyViolation
}

// isContention сообщает, что транзакция не дождалась блокировки или была выбрана жертвой.
func isContention(err error) bool {
	switch pgErrorCode(err) {
	case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure:
		return true
	default:
		return false
	}
}

// mapLockError переводит ошибки конкуренции за строку в ErrInventoryBusy, сохраняя исходную причину.
func mapLockError(err error) error {
	if err == nil {
		return nil
	}
	if isContention(err) {
		return errors.Join(domain.ErrInventoryBusy, err)
	}
	return err
}

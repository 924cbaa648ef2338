package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

const bookingColumns = `id, user_id, tier, quantity, total_amount_minor, status, created_at`

func scanBooking(row interface{ Scan(dest ...any) error }) (domain.BookingRecord, error) {
	var (
		booking   domain.BookingRecord
		tierRaw   string
		statusRaw string
	)
	if err := row.Scan(
		&booking.ID,
		&booking.UserID,
		&tierRaw,
		&booking.Quantity,
		&booking.TotalAmountMinor,
		&statusRaw,
		&booking.CreatedAt,
	); err != nil {
		return domain.BookingRecord{}, err
	}
	booking.Tier = domain.Tier(tierRaw)
	booking.Status = domain.BookingStatus(statusRaw)
	booking.CreatedAt = booking.CreatedAt.UTC()
	return booking, nil
}

// Get возвращает бронирование или ErrBookingNotFound.
func (s *Store) Get(ctx context.Context, id int64) (domain.BookingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	booking, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BookingRecord{}, domain.ErrBookingNotFound
		}
		return domain.BookingRecord{}, fmt.Errorf("select booking: %w", err)
	}
	return booking, nil
}

// ListByUser возвращает бронирования пользователя, новые первыми.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]domain.BookingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE user_id = $1 ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BookingRecord, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		result = append(result, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return result, nil
}

type txBookingRepository struct {
	q querier
}

// Create вставляет бронирование. ID выдаёт последовательность, при откате номер теряется.
func (r txBookingRepository) Create(ctx context.Context, booking domain.BookingRecord) (domain.BookingRecord, error) {
	if booking.Status == "" {
		booking.Status = domain.BookingStatusConfirmed
	}

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO bookings (user_id, tier, quantity, total_amount_minor, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`,
		booking.UserID,
		string(booking.Tier),
		booking.Quantity,
		booking.TotalAmountMinor,
		string(booking.Status),
	).Scan(&booking.ID, &booking.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.BookingRecord{}, domain.ErrTicketNotFound
		}
		return domain.BookingRecord{}, fmt.Errorf("insert booking: %w", mapLockError(err))
	}
	booking.CreatedAt = booking.CreatedAt.UTC()
	return booking, nil
}

var (
	_ domain.BookingRepository   = (*Store)(nil)
	_ domain.BookingTxRepository = txBookingRepository{}
	_ domain.UnitOfWorkFactory   = (*Store)(nil)
)

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

type attemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository создаёт журнал попыток поверх пула, вне транзакций бронирования.
func NewAttemptRepository(store *Store) domain.AttemptRepository {
	return &attemptRepository{db: store.DB()}
}

func (r *attemptRepository) Append(ctx context.Context, attempt domain.BookingAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var bookingID sql.NullInt64
	if attempt.BookingID > 0 {
		bookingID = sql.NullInt64{Int64: attempt.BookingID, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO booking_attempts (user_id, tier, quantity, outcome, booking_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, attempt.UserID, string(attempt.Tier), attempt.Quantity, string(attempt.Outcome), bookingID); err != nil {
		return fmt.Errorf("insert booking attempt: %w", err)
	}
	return nil
}

func (r *attemptRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.BookingAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, tier, quantity, outcome, booking_id, created_at
		FROM booking_attempts
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list booking attempts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BookingAttempt, 0)
	for rows.Next() {
		var (
			attempt    domain.BookingAttempt
			tierRaw    string
			outcomeRaw string
			bookingID  sql.NullInt64
		)
		if err := rows.Scan(&attempt.ID, &attempt.UserID, &tierRaw, &attempt.Quantity, &outcomeRaw, &bookingID, &attempt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking attempt: %w", err)
		}
		attempt.Tier = domain.Tier(tierRaw)
		attempt.Outcome = domain.AttemptOutcome(outcomeRaw)
		attempt.BookingID = bookingID.Int64
		attempt.CreatedAt = attempt.CreatedAt.UTC()
		result = append(result, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate booking attempts: %w", err)
	}
	return result, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ticketing/internal/domain"
)

const tierColumns = `tier, price_minor, total_capacity, available, position`

func scanTier(row interface{ Scan(dest ...any) error }) (domain.TierInventory, error) {
	var (
		tier    domain.TierInventory
		tierRaw string
	)
	if err := row.Scan(&tierRaw, &tier.PriceMinor, &tier.TotalCapacity, &tier.Available, &tier.Position); err != nil {
		return domain.TierInventory{}, err
	}
	tier.Tier = domain.Tier(tierRaw)
	return tier, nil
}

// FindAll возвращает снимок всех категорий без блокировок.
func (s *Store) FindAll(ctx context.Context) ([]domain.TierInventory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM ticket_tiers ORDER BY position, tier`)
	if err != nil {
		return nil, fmt.Errorf("query ticket tiers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TierInventory, 0, len(domain.KnownTiers))
	for rows.Next() {
		tier, err := scanTier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket tier: %w", err)
		}
		result = append(result, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket tiers: %w", err)
	}
	return result, nil
}

// Find возвращает снимок категории без блокировки.
func (s *Store) Find(ctx context.Context, tier domain.Tier) (domain.TierInventory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return findTier(ctx, s.db, tier, false)
}

func findTier(ctx context.Context, q querier, tier domain.Tier, forUpdate bool) (domain.TierInventory, error) {
	query := `SELECT ` + tierColumns + ` FROM ticket_tiers WHERE tier = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	inventory, err := scanTier(q.QueryRowContext(ctx, query, string(tier)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TierInventory{}, domain.ErrTicketNotFound
		}
		return domain.TierInventory{}, fmt.Errorf("select ticket tier %s: %w", tier, mapLockError(err))
	}
	return inventory, nil
}

type txTierRepository struct {
	q querier
}

// Find читает категорию в транзакции без блокировки строки.
func (r txTierRepository) Find(ctx context.Context, tier domain.Tier) (domain.TierInventory, error) {
	return findTier(ctx, r.q, tier, false)
}

// TryDecrement блокирует строку категории через FOR UPDATE и списывает остаток, если его хватает.
// UPDATE дополнительно проверяет available >= quantity, CHECK-ограничение таблицы страхует инвариант.
func (r txTierRepository) TryDecrement(ctx context.Context, tier domain.Tier, quantity int) (domain.DecrementResult, error) {
	if quantity <= 0 {
		return domain.DecrementResult{}, domain.ErrQuantityInvalid
	}

	locked, err := findTier(ctx, r.q, tier, true)
	if err != nil {
		return domain.DecrementResult{}, err
	}
	if locked.Available < quantity {
		return domain.DecrementResult{Applied: false, Available: locked.Available}, nil
	}

	var remaining int
	err = r.q.QueryRowContext(ctx, `
		UPDATE ticket_tiers
		SET available = available - $2,
		    updated_at = NOW()
		WHERE tier = $1 AND available >= $2
		RETURNING available
	`, string(tier), quantity).Scan(&remaining)
	switch {
	case errors.Is(err, sql.ErrNoRows), isCheckViolation(err):
		return domain.DecrementResult{Applied: false, Available: locked.Available}, nil
	case err != nil:
		return domain.DecrementResult{}, fmt.Errorf("decrement ticket tier %s: %w", tier, mapLockError(err))
	}

	return domain.DecrementResult{Applied: true, Available: remaining}, nil
}

var (
	_ domain.TierRepository   = (*Store)(nil)
	_ domain.TierTxRepository = txTierRepository{}
)

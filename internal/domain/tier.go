package domain

import (
	"fmt"
	"strings"
)

// DefaultCurrency - валюта, в которой хранятся цены всех категорий.
const DefaultCurrency = "USD"

// Tier - категория билетов с собственной ценой и независимым запасом.
type Tier string

const (
	TierVIP      Tier = "VIP"
	TierFrontRow Tier = "FRONT_ROW"
	TierGA       Tier = "GA"
)

// KnownTiers перечисляет допустимые категории в порядке заведения.
var KnownTiers = []Tier{TierVIP, TierFrontRow, TierGA}

// Valid сообщает, входит ли категория в закрытое перечисление.
func (t Tier) Valid() bool {
	for _, known := range KnownTiers {
		if t == known {
			return true
		}
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

// ParseTier разбирает название категории. Регистр не учитывается, пробелы по краям отбрасываются.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %q", ErrTierInvalid, raw)
	}
	return tier, nil
}

// TierInventory описывает запас билетов одной категории.
type TierInventory struct {
	Tier Tier
	// PriceMinor - цена одного билета в минимальных единицах (центах).
	PriceMinor int64
	// TotalCapacity - исходный запас, не меняется после заведения.
	TotalCapacity int
	// Available - текущий остаток, меняется только внутри резервирования.
	Available int
	// Position - порядок заведения, по нему сортируются снимки.
	Position int
}

// Sold возвращает количество уже проданных билетов.
func (t TierInventory) Sold() int {
	return t.TotalCapacity - t.Available
}

// Validate проверяет инварианты запаса: 0 <= Available <= TotalCapacity и положительную цену.
func (t TierInventory) Validate() []error {
	var errs []error

	if !t.Tier.Valid() {
		errs = append(errs, ErrTierInvalid)
	}
	if t.PriceMinor <= 0 {
		errs = append(errs, ErrTierPriceInvalid)
	}
	if t.TotalCapacity < 0 {
		errs = append(errs, ErrTierCapacityInvalid)
	}
	if t.Available < 0 || t.Available > t.TotalCapacity {
		errs = append(errs, ErrTierAvailableOutOfRange)
	}

	return errs
}

// DefaultTiers - стартовый набор категорий для локального запуска и тестов.
func DefaultTiers() []TierInventory {
	return []TierInventory{
		{Tier: TierVIP, PriceMinor: 15000, TotalCapacity: 50, Available: 50, Position: 1},
		{Tier: TierFrontRow, PriceMinor: 8000, TotalCapacity: 100, Available: 100, Position: 2},
		{Tier: TierGA, PriceMinor: 3500, TotalCapacity: 500, Available: 500, Position: 3},
	}
}

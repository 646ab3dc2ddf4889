// Package limits enforces per-user stake limits.
//
// A user spreading GHS across every outcome of one market, or across many
// markets in the same category (one tournament, one league season), carries
// concentrated risk. This package caps the cumulative amount a user may
// stake in a single market and across a category.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMarketLimitExceeded is returned when a bet would push a user's
	// cumulative stake in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("limits: per-market stake limit exceeded")

	// ErrCategoryLimitExceeded is returned when a bet would push a user's
	// aggregate stake across a category beyond the category maximum.
	ErrCategoryLimitExceeded = errors.New("limits: category stake limit exceeded")
)

// MarketStake is a user's existing cumulative stake in one market.
type MarketStake struct {
	Category string
	Amount   decimal.Decimal
}

// StakeLimiter enforces cumulative stake limits per market and per category.
// Zero or negative limits disable the corresponding check.
type StakeLimiter struct {
	// MaxPerMarket is the maximum cumulative GHS stake in any one market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory is the maximum aggregate GHS stake across all markets
	// sharing a category.
	MaxPerCategory decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given per-market and
// per-category stake limits.
func NewStakeLimiter(maxPerMarket, maxPerCategory decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// Check validates whether a bet respects stake limits.
//
// Parameters:
//   - marketID: the market being bet on
//   - category: that market's category
//   - amount: the GHS amount of the new bet
//   - existing: map of market ID → the user's current stake in that market
//
// Returns nil if the bet is within limits, or an error describing the
// violation.
func (l *StakeLimiter) Check(
	marketID, category string,
	amount decimal.Decimal,
	existing map[string]MarketStake,
) error {
	// 1. Per-market limit.
	newInMarket := existing[marketID].Amount.Add(amount)
	if l.MaxPerMarket.IsPositive() && newInMarket.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Category limit: sum stakes across markets sharing the category.
	if !l.MaxPerCategory.IsPositive() {
		return nil
	}

	totalInCategory := newInMarket
	for id, stake := range existing {
		if id == marketID {
			continue // already counted via newInMarket above
		}
		if stake.Category == category {
			totalInCategory = totalInCategory.Add(stake.Amount)
		}
	}

	if totalInCategory.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}

	return nil
}

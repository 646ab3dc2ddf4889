// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market lifecycle statuses.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// Market is one prediction market: a question with at least two mutually
// exclusive outcomes priced by a shared LMSR cost function.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Title            string          `json:"title" db:"title"`
	Description      string          `json:"description" db:"description"`
	Category         string          `json:"category" db:"category"`
	Liquidity        decimal.Decimal `json:"liquidity" db:"liquidity"` // LMSR b, immutable
	Status           string          `json:"status" db:"status"`       // "active" or "resolved"
	WinningOutcomeID string          `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Outcome belongs to exactly one market. Quantity is the cumulative number
// of shares issued for this outcome — the sole state variable driving its
// price. Only ever increased (buy-only trading).
type Outcome struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Title    string          `json:"title" db:"title"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
	Position int             `json:"position" db:"position"` // stable display order
}

// Bet is an immutable record of one share purchase.
// Once created, these are never modified or deleted.
type Bet struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // GHS paid
	Shares    decimal.Decimal `json:"shares" db:"shares"` // shares granted
	Price     decimal.Decimal `json:"price" db:"price"`   // marginal probability at execution
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Stake is a user's cumulative GHS stake in one market.
type Stake struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// Payout is one user's combined settlement credit for a resolved market.
// A user with multiple winning bets receives a single payout.
type Payout struct {
	UserID string          `json:"user_id"`
	Shares decimal.Decimal `json:"shares"` // 1 winning share redeems for 1 GHS
}

// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, outcome, or user does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write loses to a concurrent
	// writer (stale quantity snapshot, status already flipped, or an
	// insufficient balance at debit time). Callers may re-read and retry.
	ErrConflict = errors.New("store: conflicting concurrent update")
)

// TradeCommit is the atomic unit persisted for one bet: the immutable bet
// record, the outcome quantity advance, and the buyer's balance debit.
// ExpectedQuantity is the pre-trade quantity the price was computed from;
// the write must fail with ErrConflict if the stored quantity has moved.
type TradeCommit struct {
	Bet              *model.Bet
	ExpectedQuantity decimal.Decimal
	NewQuantity      decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market with its outcomes.
	CreateMarket(ctx context.Context, market *model.Market, outcomes []model.Outcome) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetOutcomes returns a market's outcomes in stable display order.
	GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error)

	// --- User balances ---

	// GetBalance returns the user's current GHS balance, provisioning the
	// account with the store's starting balance on first sight.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Trade commit (atomic) ---

	// CommitTrade applies one bet as a single transaction: inserts the bet,
	// advances the outcome quantity (conditional on ExpectedQuantity), and
	// debits the buyer (conditional on sufficient funds). The market must
	// still be active at commit time, so a bet can never land in a market
	// another instance has already resolved. Returns ErrConflict if any
	// condition fails; nothing is applied partially.
	CommitTrade(ctx context.Context, commit TradeCommit) error

	// --- Bet queries ---

	// GetBetsByUser returns a user's bet history, newest first.
	GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// GetUserStakes returns the user's cumulative stake per market,
	// with each market's category. Used by the stake limiter.
	GetUserStakes(ctx context.Context, userID string) (map[string]model.Stake, error)

	// --- Settlement (atomic) ---

	// SettleMarket resolves a market in a single transaction: flips status
	// from active to resolved (ErrConflict if already resolved), records
	// the winning outcome and resolution time, then aggregates one payout
	// per user over the winning outcome's bets and credits them all.
	// Enumerating the bets after the flip, inside the same transaction,
	// means no committed bet can slip between aggregation and resolution.
	// Returns the payouts applied, sorted by user ID. All credits apply
	// or none do.
	SettleMarket(ctx context.Context, marketID, winningOutcomeID string, resolvedAt time.Time) ([]model.Payout, error)
}

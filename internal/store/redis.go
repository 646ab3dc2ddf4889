package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and outcome quantities. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Balances are never cached — they must reflect the latest
// committed debit/credit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	if err := s.primary.CreateMarket(ctx, m, outcomes); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	// Quantities moved; next read re-populates.
	s.rdb.Del(ctx, outcomesKey(c.Bet.MarketID))
	return nil
}

func (s *CachedStore) SettleMarket(ctx context.Context, marketID, winningOutcomeID string, resolvedAt time.Time) ([]model.Payout, error) {
	payouts, err := s.primary.SettleMarket(ctx, marketID, winningOutcomeID, resolvedAt)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return payouts, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomesKey(marketID)).Bytes()
	if err == nil {
		var outcomes []model.Outcome
		if json.Unmarshal(data, &outcomes) == nil {
			return outcomes, nil
		}
	}

	// Cache miss.
	outcomes, err := s.primary.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(outcomes); err == nil {
		s.rdb.Set(ctx, outcomesKey(marketID), data, s.ttl)
	}
	return outcomes, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.GetBetsByUser(ctx, userID)
}

func (s *CachedStore) GetUserStakes(ctx context.Context, userID string) (map[string]model.Stake, error) {
	return s.primary.GetUserStakes(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func outcomesKey(id string) string { return fmt.Sprintf("outcomes:%s", id) }

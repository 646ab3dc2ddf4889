package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu              sync.RWMutex
	markets         map[string]*model.Market
	outcomes        map[string][]model.Outcome // marketID → ordered outcomes
	balances        map[string]decimal.Decimal
	bets            []model.Bet
	startingBalance decimal.Decimal
}

// NewMemoryStore creates a new in-memory store. New users are provisioned
// with startingBalance GHS on first balance lookup.
func NewMemoryStore(startingBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		markets:         make(map[string]*model.Market),
		outcomes:        make(map[string][]model.Outcome),
		balances:        make(map[string]decimal.Decimal),
		startingBalance: startingBalance,
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrConflict
	}

	// Store copies to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp

	ordered := make([]model.Outcome, len(outcomes))
	copy(ordered, outcomes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	s.outcomes[m.ID] = ordered

	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOutcomes(_ context.Context, marketID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outcomes, ok := s.outcomes[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]model.Outcome, len(outcomes))
	copy(result, outcomes)
	return result, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

// balanceLocked provisions and returns a user's balance. Caller holds mu.
func (s *MemoryStore) balanceLocked(userID string) decimal.Decimal {
	b, ok := s.balances[userID]
	if !ok {
		b = s.startingBalance
		s.balances[userID] = b
	}
	return b
}

func (s *MemoryStore) CommitTrade(_ context.Context, c TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[c.Bet.MarketID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != model.StatusActive {
		return ErrConflict
	}

	outcomes, ok := s.outcomes[c.Bet.MarketID]
	if !ok {
		return ErrNotFound
	}

	idx := -1
	for i, o := range outcomes {
		if o.ID == c.Bet.OutcomeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	if !outcomes[idx].Quantity.Equal(c.ExpectedQuantity) {
		return ErrConflict
	}

	balance := s.balanceLocked(c.Bet.UserID)
	if balance.LessThan(c.Bet.Amount) {
		return ErrConflict
	}

	outcomes[idx].Quantity = c.NewQuantity
	s.balances[c.Bet.UserID] = balance.Sub(c.Bet.Amount)
	s.bets = append(s.bets, *c.Bet)
	return nil
}

func (s *MemoryStore) GetBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for i := len(s.bets) - 1; i >= 0; i-- {
		if s.bets[i].UserID == userID {
			result = append(result, s.bets[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUserStakes(_ context.Context, userID string) (map[string]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stakes := make(map[string]model.Stake)
	for _, b := range s.bets {
		if b.UserID != userID {
			continue
		}
		st := stakes[b.MarketID]
		if m, ok := s.markets[b.MarketID]; ok {
			st.Category = m.Category
		}
		st.Amount = st.Amount.Add(b.Amount)
		stakes[b.MarketID] = st
	}
	return stakes, nil
}

func (s *MemoryStore) SettleMarket(_ context.Context, marketID, winningOutcomeID string, resolvedAt time.Time) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != model.StatusActive {
		return nil, ErrConflict
	}

	m.Status = model.StatusResolved
	m.WinningOutcomeID = winningOutcomeID
	t := resolvedAt
	m.ResolvedAt = &t

	byUser := make(map[string]decimal.Decimal)
	for _, b := range s.bets {
		if b.MarketID == marketID && b.OutcomeID == winningOutcomeID {
			byUser[b.UserID] = byUser[b.UserID].Add(b.Shares)
		}
	}

	payouts := make([]model.Payout, 0, len(byUser))
	for userID, shares := range byUser {
		payouts = append(payouts, model.Payout{UserID: userID, Shares: shares})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].UserID < payouts[j].UserID })

	for _, p := range payouts {
		s.balances[p.UserID] = s.balanceLocked(p.UserID).Add(p.Shares)
	}
	return payouts, nil
}

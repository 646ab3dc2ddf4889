package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/limits"
	"github.com/alma/market-engine/internal/lmsr"
	"github.com/alma/market-engine/internal/metrics"
	"github.com/alma/market-engine/internal/model"
	"github.com/alma/market-engine/internal/store"
)

// BetRequest is the JSON body for POST /api/v1/bets.
type BetRequest struct {
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"` // GHS
}

// BetResponse is the JSON body returned from POST /api/v1/bets.
type BetResponse struct {
	Bet           *model.Bet      `json:"bet"`
	Probabilities []OutcomeProb   `json:"probabilities"` // post-trade vector
	Balance       decimal.Decimal `json:"balance"`       // buyer's new balance
}

// PlaceBet handles POST /api/v1/bets
// Prices the purchase against the LMSR, debits the buyer, and returns the
// updated probability vector.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp, err := s.placeBet(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), betStatus(err))
		return
	}
	metrics.BetLatency.Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// betStatus maps a bet rejection to its HTTP status code.
func betStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrMarketClosed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, limits.ErrPerMarketLimitExceeded),
		errors.Is(err, limits.ErrCategoryLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// placeBet runs the full validated → priced → committed transition for one
// purchase. The per-market lock makes read-price-commit atomic within this
// instance; the store's conditional writes catch concurrent writers
// elsewhere, in which case the whole sequence is retried with fresh state.
func (s *Service) placeBet(ctx context.Context, req BetRequest) (*BetResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	lock := s.marketLock(req.MarketID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < commitRetries; attempt++ {
		resp, err := s.tryPlaceBet(ctx, req)
		if errors.Is(err, store.ErrConflict) {
			metrics.TradeConflicts.Inc()
			slog.Warn("bet commit conflict, retrying",
				"market", req.MarketID,
				"user", req.UserID,
				"attempt", attempt+1,
			)
			continue
		}
		return resp, err
	}

	slog.Error("bet commit retries exhausted",
		"market", req.MarketID,
		"user", req.UserID,
	)
	return nil, ErrUnavailable
}

// tryPlaceBet performs one read-price-commit attempt against fresh state.
func (s *Service) tryPlaceBet(ctx context.Context, req BetRequest) (*BetResponse, error) {
	market, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusActive {
		return nil, ErrMarketClosed
	}

	outcomes, err := s.store.GetOutcomes(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, o := range outcomes {
		if o.ID == req.OutcomeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrInvalidOutcome
	}

	balance, err := s.store.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(balance) {
		return nil, ErrInsufficientBalance
	}

	// --- Stake limit check ---
	if s.limiter != nil {
		stakes, err := s.store.GetUserStakes(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		existing := make(map[string]limits.MarketStake, len(stakes))
		for id, st := range stakes {
			existing[id] = limits.MarketStake{Category: st.Category, Amount: st.Amount}
		}
		if err := s.limiter.Check(market.ID, market.Category, req.Amount, existing); err != nil {
			metrics.StakeLimitRejections.Inc()
			return nil, err
		}
	}

	mm, err := lmsr.NewMarketMaker(market.Liquidity)
	if err != nil {
		return nil, err
	}

	// Price at the pre-trade quantity vector; grant shares at that price.
	// The constant-price share grant is the market's convention, not the
	// exact cost-function inverse.
	quantities := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		quantities[i] = o.Quantity
	}
	price := mm.Probabilities(quantities)[idx]
	if price.LessThan(lmsr.MinPrice) {
		// Keep the recorded price consistent with the floored grant.
		price = lmsr.MinPrice
	}
	shares := mm.SharesForAmount(req.Amount, price)

	bet := &model.Bet{
		ID:        uuid.New().String(),
		MarketID:  market.ID,
		OutcomeID: req.OutcomeID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Shares:    shares,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}

	err = s.store.CommitTrade(ctx, store.TradeCommit{
		Bet:              bet,
		ExpectedQuantity: outcomes[idx].Quantity,
		NewQuantity:      outcomes[idx].Quantity.Add(shares),
	})
	if err != nil {
		return nil, err
	}

	outcomes[idx].Quantity = outcomes[idx].Quantity.Add(shares)
	probs := probabilities(mm, outcomes)

	metrics.BetsTotal.WithLabelValues(market.Category).Inc()
	slog.Info("bet placed",
		"bet_id", bet.ID,
		"market", market.ID,
		"outcome", req.OutcomeID,
		"user", req.UserID,
		"amount", req.Amount.String(),
		"shares", shares.String(),
		"price", price.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "bet_placed",
			MarketID:      market.ID,
			Probabilities: probs,
		})
	}

	return &BetResponse{
		Bet:           bet,
		Probabilities: probs,
		Balance:       balance.Sub(req.Amount),
	}, nil
}

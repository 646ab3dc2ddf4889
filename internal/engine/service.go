// Package engine applies bets and resolutions as atomic state transitions
// over market outcome quantities and user balances, using the lmsr package
// for all cost computations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/limits"
	"github.com/alma/market-engine/internal/lmsr"
	"github.com/alma/market-engine/internal/marketdef"
	"github.com/alma/market-engine/internal/metrics"
	"github.com/alma/market-engine/internal/model"
	"github.com/alma/market-engine/internal/store"
)

// Rejection reasons surfaced to callers. The UI layer depends on these
// exact strings for messaging.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketClosed        = errors.New("market closed")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrAlreadyResolved     = errors.New("already resolved")
	ErrUnavailable         = errors.New("temporarily unavailable")
)

// commitRetries bounds how many times a bet is re-priced and re-committed
// after losing to a concurrent writer.
const commitRetries = 3

// Service coordinates market state transitions. Per-market mutexes
// serialize read-price-commit sequences within this instance; the store's
// conditional writes guard against writers in other instances.
type Service struct {
	store   store.Store
	limiter *limits.StakeLimiter
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts

	mu    sync.Mutex
	locks map[string]*sync.Mutex // marketID → per-market critical section
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *limits.StakeLimiter, hub *WSHub) *Service {
	return &Service{
		store:   st,
		limiter: limiter,
		wsHub:   hub,
		locks:   make(map[string]*sync.Mutex),
	}
}

// marketLock returns the mutex serializing commits for one market.
func (s *Service) marketLock(marketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[marketID] = l
	}
	return l
}

// OutcomeProb pairs an outcome with its current marginal probability.
type OutcomeProb struct {
	OutcomeID   string          `json:"outcome_id"`
	Title       string          `json:"title"`
	Quantity    decimal.Decimal `json:"quantity"`
	Probability decimal.Decimal `json:"probability"`
}

// probabilities computes the probability vector for a set of outcomes.
func probabilities(mm *lmsr.MarketMaker, outcomes []model.Outcome) []OutcomeProb {
	quantities := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		quantities[i] = o.Quantity
	}
	probs := mm.Probabilities(quantities)

	result := make([]OutcomeProb, len(outcomes))
	for i, o := range outcomes {
		result[i] = OutcomeProb{
			OutcomeID:   o.ID,
			Title:       o.Title,
			Quantity:    o.Quantity,
			Probability: probs[i],
		}
	}
	return result
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Liquidity   decimal.Decimal `json:"liquidity"` // 0 → default 1000
	Outcomes    []string        `json:"outcomes"`
}

// MarketResponse is a market with its outcomes and current probabilities.
type MarketResponse struct {
	Market   *model.Market `json:"market"`
	Outcomes []OutcomeProb `json:"outcomes"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	def, err := marketdef.Normalize(marketdef.Definition{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Liquidity:   req.Liquidity,
		Outcomes:    req.Outcomes,
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Validate b can construct a market maker.
	mm, err := lmsr.NewMarketMaker(def.Liquidity)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Title:       def.Title,
		Description: def.Description,
		Category:    def.Category,
		Liquidity:   def.Liquidity,
		Status:      model.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	outcomes := make([]model.Outcome, len(def.Outcomes))
	for i, title := range def.Outcomes {
		outcomes[i] = model.Outcome{
			ID:       uuid.New().String(),
			MarketID: market.ID,
			Title:    title,
			Quantity: decimal.Zero,
			Position: i,
		}
	}

	ctx := r.Context()
	if err := s.store.CreateMarket(ctx, market, outcomes); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("market creation failed", "id", market.ID, "err", err)
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"category", market.Category,
		"outcomes", len(outcomes),
		"b", def.Liquidity.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(MarketResponse{
		Market:   market,
		Outcomes: probabilities(mm, outcomes),
	})
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?category=<tag>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
// Returns the market with its outcomes and current probabilities.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	outcomes, err := s.store.GetOutcomes(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load outcomes", http.StatusInternalServerError)
		return
	}

	mm, err := lmsr.NewMarketMaker(market.Liquidity)
	if err != nil {
		writeError(w, "internal error: invalid market configuration", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MarketResponse{
		Market:   market,
		Outcomes: probabilities(mm, outcomes),
	})
}

// GetProbabilities handles GET /api/v1/markets/{marketID}/probabilities
func (s *Service) GetProbabilities(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	outcomes, err := s.store.GetOutcomes(ctx, marketID)
	if err != nil {
		writeError(w, "failed to load outcomes", http.StatusInternalServerError)
		return
	}

	mm, err := lmsr.NewMarketMaker(market.Liquidity)
	if err != nil {
		writeError(w, "internal error: invalid market configuration", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(probabilities(mm, outcomes))
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := s.store.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"balance": balance})
}

// GetUserBets handles GET /api/v1/users/{userID}/bets
func (s *Service) GetUserBets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	bets, err := s.store.GetBetsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bets)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

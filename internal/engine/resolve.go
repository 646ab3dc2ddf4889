package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/metrics"
	"github.com/alma/market-engine/internal/model"
	"github.com/alma/market-engine/internal/store"
)

// ResolveRequest is the JSON body for POST /api/v1/markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id"`
}

// ResolveResponse summarizes a settlement: who was paid and how much.
type ResolveResponse struct {
	MarketID         string          `json:"market_id"`
	WinningOutcomeID string          `json:"winning_outcome_id"`
	ResolvedAt       time.Time       `json:"resolved_at"`
	Payouts          []model.Payout  `json:"payouts"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Declares the winning outcome and pays out 1 GHS per winning share.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOutcomeID == "" {
		writeError(w, "winning_outcome_id is required", http.StatusBadRequest)
		return
	}

	resp, err := s.resolveMarket(r.Context(), marketID, req.WinningOutcomeID)
	if err != nil {
		writeError(w, err.Error(), resolveStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// resolveStatus maps a resolution rejection to its HTTP status code.
func resolveStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// resolveMarket runs the active → resolved transition. The settlement
// transaction flips status first and only then aggregates and credits
// winning bets, so no committed bet can land between aggregation and
// resolution. Taking the market lock first excludes in-flight bets on
// this market within this instance.
func (s *Service) resolveMarket(ctx context.Context, marketID, winningOutcomeID string) (*ResolveResponse, error) {
	lock := s.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusActive {
		return nil, ErrAlreadyResolved
	}

	outcomes, err := s.store.GetOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, o := range outcomes {
		if o.ID == winningOutcomeID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrInvalidOutcome
	}

	resolvedAt := time.Now().UTC()
	payouts, err := s.store.SettleMarket(ctx, marketID, winningOutcomeID, resolvedAt)
	if errors.Is(err, store.ErrConflict) {
		// Another resolver won the status flip; no credits were applied here.
		return nil, ErrAlreadyResolved
	}
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Shares)
	}

	metrics.MarketsResolved.Inc()
	metrics.ActiveMarkets.Dec()
	metrics.SettlementPayouts.Add(total.InexactFloat64())
	slog.Info("market resolved",
		"market", marketID,
		"winning_outcome", winningOutcomeID,
		"winners", len(payouts),
		"total_paid", total.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:             "market_resolved",
			MarketID:         marketID,
			WinningOutcomeID: winningOutcomeID,
		})
	}

	return &ResolveResponse{
		MarketID:         marketID,
		WinningOutcomeID: winningOutcomeID,
		ResolvedAt:       resolvedAt,
		Payouts:          payouts,
		TotalPaid:        total,
	}, nil
}

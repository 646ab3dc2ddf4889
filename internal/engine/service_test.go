package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alma/market-engine/internal/engine"
	"github.com/alma/market-engine/internal/limits"
	"github.com/alma/market-engine/internal/lmsr"
	"github.com/alma/market-engine/internal/model"
	"github.com/alma/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with an in-memory store and chi router.
// Every user starts with 1000 GHS. No stake limiter unless one is given.
func newTestEnv(t *testing.T, limiter *limits.StakeLimiter) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore(d(1000))
	svc := engine.NewService(ms, limiter, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/probabilities", svc.GetProbabilities)
	r.Post("/api/v1/markets/{marketID}/resolve", svc.ResolveMarket)
	r.Post("/api/v1/bets", svc.PlaceBet)
	r.Get("/api/v1/users/{userID}/balance", svc.GetBalance)
	r.Get("/api/v1/users/{userID}/bets", svc.GetUserBets)

	return ms, r
}

func postJSON(t *testing.T, router chi.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// createMarket creates a market through the API and returns its response.
func createMarket(t *testing.T, router chi.Router, outcomes ...string) engine.MarketResponse {
	t.Helper()
	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		Title:     "Who will win the Premier League?",
		Category:  "EPL",
		Liquidity: d(1000),
		Outcomes:  outcomes,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("market creation failed: %d %s", w.Code, w.Body.String())
	}
	var resp engine.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func placeBet(t *testing.T, router chi.Router, req engine.BetRequest) *httptest.ResponseRecorder {
	t.Helper()
	return postJSON(t, router, "/api/v1/bets", req)
}

func balance(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	b, err := ms.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to get balance: %v", err)
	}
	return b
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	return body["error"]
}

// --- Market creation ---

func TestCreateMarket_Valid(t *testing.T) {
	_, router := newTestEnv(t, nil)

	resp := createMarket(t, router, "Arsenal", "Manchester City", "Liverpool")

	if resp.Market.Status != model.StatusActive {
		t.Errorf("expected active status, got %s", resp.Market.Status)
	}
	if !resp.Market.Liquidity.Equal(d(1000)) {
		t.Errorf("expected b=1000, got %s", resp.Market.Liquidity)
	}
	if len(resp.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(resp.Outcomes))
	}
	// Fresh market: uniform probabilities.
	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	for _, o := range resp.Outcomes {
		if o.Probability.Sub(third).Abs().GreaterThan(d(0.0001)) {
			t.Errorf("expected ~1/3 probability, got %s", o.Probability)
		}
	}
}

func TestCreateMarket_TooFewOutcomes(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		Title:    "Single outcome",
		Category: "EPL",
		Outcomes: []string{"Arsenal"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for one outcome, got %d", w.Code)
	}
}

func TestCreateMarket_UnknownCategory(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		Title:    "Unknown category",
		Category: "F1",
		Outcomes: []string{"A", "B"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", w.Code)
	}
}

func TestCreateMarket_DefaultLiquidity(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		Title:    "Default b",
		Category: "AFCON",
		Outcomes: []string{"Ghana", "Nigeria"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp engine.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Market.Liquidity.Equal(d(1000)) {
		t.Errorf("expected default b=1000, got %s", resp.Market.Liquidity)
	}
}

// --- Bet execution ---

func TestPlaceBet_DebitsBuyerExactly(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.BetResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900 after 100 bet, got %s", resp.Balance)
	}
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("stored balance should be 900, got %s", balance(t, ms, "user1"))
	}
	if resp.Bet.Shares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("shares should be positive, got %s", resp.Bet.Shares)
	}

	// Outcome quantity advanced by exactly the granted shares.
	outcomes, _ := ms.GetOutcomes(context.Background(), m.Market.ID)
	if !outcomes[0].Quantity.Equal(resp.Bet.Shares) {
		t.Errorf("quantity should equal granted shares: %s vs %s",
			outcomes[0].Quantity, resp.Bet.Shares)
	}
	if !outcomes[1].Quantity.IsZero() {
		t.Errorf("untouched outcome quantity should stay 0, got %s", outcomes[1].Quantity)
	}
}

func TestPlaceBet_SharesAtQuotedPrice(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})

	var resp engine.BetResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Two fresh outcomes price at 0.5; shares = amount / price.
	if !resp.Bet.Price.Equal(d(0.5)) {
		t.Errorf("expected price 0.5, got %s", resp.Bet.Price)
	}
	if !resp.Bet.Shares.Equal(d(200)) {
		t.Errorf("expected 100/0.5 = 200 shares, got %s", resp.Bet.Shares)
	}
}

func TestPlaceBet_ReturnsUpdatedProbabilities(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})

	var resp engine.BetResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Probabilities[0].Probability.LessThanOrEqual(d(0.5)) {
		t.Errorf("bought outcome probability should exceed 0.5, got %s",
			resp.Probabilities[0].Probability)
	}
	sum := decimal.Zero
	for _, p := range resp.Probabilities {
		sum = sum.Add(p.Probability)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(d(0.000000001)) {
		t.Errorf("probabilities should sum to 1, got %s", sum)
	}
}

func TestPlaceBet_InvalidAmount(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	for _, amount := range []decimal.Decimal{decimal.Zero, d(-10)} {
		w := placeBet(t, router, engine.BetRequest{
			MarketID:  m.Market.ID,
			OutcomeID: m.Outcomes[0].OutcomeID,
			UserID:    "user1",
			Amount:    amount,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for amount %s, got %d", amount, w.Code)
		}
		if msg := errorMessage(t, w); msg != "invalid amount" {
			t.Errorf("expected reason %q, got %q", "invalid amount", msg)
		}
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(2000),
	})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); msg != "insufficient balance" {
		t.Errorf("expected reason %q, got %q", "insufficient balance", msg)
	}
	if !balance(t, ms, "user1").Equal(d(1000)) {
		t.Errorf("rejected bet must not touch the balance, got %s", balance(t, ms, "user1"))
	}
}

func TestPlaceBet_InvalidOutcome(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: "not-an-outcome",
		UserID:    "user1",
		Amount:    d(50),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg != "invalid outcome" {
		t.Errorf("expected reason %q, got %q", "invalid outcome", msg)
	}
}

func TestPlaceBet_MarketNotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  "missing",
		OutcomeID: "whatever",
		UserID:    "user1",
		Amount:    d(50),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPlaceBet_ResolvedMarketRejected(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w := postJSON(t, router, "/api/v1/markets/"+m.Market.ID+"/resolve",
		engine.ResolveRequest{WinningOutcomeID: m.Outcomes[0].OutcomeID})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	w = placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(50),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg != "market closed" {
		t.Errorf("expected reason %q, got %q", "market closed", msg)
	}
}

func TestPlaceBet_OtherUsersUnaffected(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	// Provision user2 before user1 trades.
	if !balance(t, ms, "user2").Equal(d(1000)) {
		t.Fatal("user2 should start with 1000")
	}

	placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})

	if !balance(t, ms, "user2").Equal(d(1000)) {
		t.Errorf("user2 balance must be untouched, got %s", balance(t, ms, "user2"))
	}
}

func TestPlaceBet_SecondBuyerPaysMore(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	w1 := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})
	w2 := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user2",
		Amount:    d(100),
	})

	var r1, r2 engine.BetResponse
	json.Unmarshal(w1.Body.Bytes(), &r1)
	json.Unmarshal(w2.Body.Bytes(), &r2)

	if r2.Bet.Price.LessThanOrEqual(r1.Bet.Price) {
		t.Errorf("second buyer should pay a strictly higher price: first=%s second=%s",
			r1.Bet.Price, r2.Bet.Price)
	}
}

func TestPlaceBet_ConcurrentTradesSerialized(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	var wg sync.WaitGroup
	recorders := make([]*httptest.ResponseRecorder, 2)
	users := []string{"user1", "user2"}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recorders[i] = placeBet(t, router, engine.BetRequest{
				MarketID:  m.Market.ID,
				OutcomeID: m.Outcomes[0].OutcomeID,
				UserID:    users[i],
				Amount:    d(100),
			})
		}(i)
	}
	wg.Wait()

	var prices []decimal.Decimal
	for i, w := range recorders {
		if w.Code != http.StatusOK {
			t.Fatalf("bet %d failed: %d %s", i, w.Code, w.Body.String())
		}
		var resp engine.BetResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		prices = append(prices, resp.Bet.Price)
	}

	// Serialized execution means the later commit saw the earlier one's
	// quantity: the two recorded prices can never be equal.
	if prices[0].Equal(prices[1]) {
		t.Errorf("concurrent bets must not both execute at the same price: %s", prices[0])
	}
}

func TestPlaceBet_StakeLimitEnforced(t *testing.T) {
	_, router := newTestEnv(t, limits.NewStakeLimiter(d(100), d(0)))
	m := createMarket(t, router, "Yes", "No")

	w := placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(60),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first bet should pass: %d %s", w.Code, w.Body.String())
	}

	w = placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[1].OutcomeID,
		UserID:    "user1",
		Amount:    d(60),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for per-market stake limit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceBet_DominatedOutcomeStillPriced(t *testing.T) {
	// b=1 makes prices move violently: after a 100 GHS bet on one outcome
	// the other outcome's probability rounds to exactly 0. A bet on it is
	// still valid and must be granted at the floored price, not panic or
	// fail.
	_, router := newTestEnv(t, nil)

	w := postJSON(t, router, "/api/v1/markets", engine.CreateMarketRequest{
		Title:     "Tight market",
		Category:  "EPL",
		Liquidity: d(1),
		Outcomes:  []string{"Yes", "No"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("market creation failed: %d %s", w.Code, w.Body.String())
	}
	var m engine.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &m)

	placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(100),
	})

	w = placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[1].OutcomeID,
		UserID:    "user2",
		Amount:    d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("bet on dominated outcome failed: %d %s", w.Code, w.Body.String())
	}

	var resp engine.BetResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Bet.Price.Equal(lmsr.MinPrice) {
		t.Errorf("expected the floored price %s, got %s", lmsr.MinPrice, resp.Bet.Price)
	}
	if !resp.Bet.Shares.Equal(d(50).Div(lmsr.MinPrice)) {
		t.Errorf("expected %s shares, got %s", d(50).Div(lmsr.MinPrice), resp.Bet.Shares)
	}
}

// createFailStore fails market creation with a fixed error.
type createFailStore struct {
	store.Store
	err error
}

func (s createFailStore) CreateMarket(context.Context, *model.Market, []model.Outcome) error {
	return s.err
}

func TestCreateMarket_StoreErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", store.ErrConflict, http.StatusConflict},
		{"other", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := engine.NewService(createFailStore{err: tc.err}, nil, nil)
			r := chi.NewRouter()
			r.Post("/api/v1/markets", svc.CreateMarket)

			w := postJSON(t, r, "/api/v1/markets", engine.CreateMarketRequest{
				Title:    "Who wins?",
				Category: "EPL",
				Outcomes: []string{"Yes", "No"},
			})
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Queries ---

func TestGetMarket_IncludesProbabilities(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	req := httptest.NewRequest("GET", "/api/v1/markets/"+m.Market.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp engine.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(resp.Outcomes))
	}
	if !resp.Outcomes[0].Probability.Equal(d(0.5)) {
		t.Errorf("expected 0.5 probability, got %s", resp.Outcomes[0].Probability)
	}
}

func TestGetUserBets_History(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "Yes", "No")

	placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[0].OutcomeID,
		UserID:    "user1",
		Amount:    d(10),
	})
	placeBet(t, router, engine.BetRequest{
		MarketID:  m.Market.ID,
		OutcomeID: m.Outcomes[1].OutcomeID,
		UserID:    "user1",
		Amount:    d(20),
	})

	req := httptest.NewRequest("GET", "/api/v1/users/user1/bets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var bets []model.Bet
	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(bets))
	}
	// Newest first.
	if !bets[0].Amount.Equal(d(20)) {
		t.Errorf("expected newest bet first, got amount %s", bets[0].Amount)
	}
}

// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for multi-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// MinPrice is the lowest price a share is ever granted at. A heavily
	// dominated outcome's softmax probability rounds to exactly 0, and
	// shares cannot be granted at a zero price.
	MinPrice = decimal.NewFromFloat(0.001)

	// PriceScale is the number of decimal places for price/cost rounding.
	// Wide enough that a rounded probability vector still sums to 1
	// within 1e-9.
	PriceScale int32 = 12
)

// MarketMaker implements the LMSR cost function over an arbitrary number
// of outcomes. It is stateless — outcome quantities are passed as
// arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts a decimal quantity vector to q_i / b as float64.
func (m *MarketMaker) scaled(quantities []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(quantities))
	for i, q := range quantities {
		xs[i] = q.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// This is the total collateral the market maker must have collected to
// have issued the current quantities. Uses logSumExp internally for
// numerical stability.
func (m *MarketMaker) Cost(quantities []decimal.Decimal) decimal.Decimal {
	if len(quantities) == 0 {
		return decimal.Zero
	}
	bf := m.b.InexactFloat64()
	lse := logSumExp(m.scaled(quantities))
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// Probabilities computes the marginal probability of every outcome:
//
//	p_i = exp(q_i / b) / Σ_j exp(q_j / b)
//
// This is the softmax function, computed with max-subtraction for
// numerical stability. Each p_i is in (0, 1) and the vector sums to 1
// for finite inputs.
func (m *MarketMaker) Probabilities(quantities []decimal.Decimal) []decimal.Decimal {
	xs := m.scaled(quantities)

	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	probs := make([]decimal.Decimal, len(xs))
	for i, e := range exps {
		probs[i] = decimal.NewFromFloat(e / sum).Round(PriceScale)
	}
	return probs
}

// Price computes the instantaneous price (marginal probability) of the
// outcome at index i, evaluated at the current quantity vector. This is
// the "price per share" quoted to a buyer before a trade.
func (m *MarketMaker) Price(quantities []decimal.Decimal, i int) decimal.Decimal {
	return m.Probabilities(quantities)[i]
}

// TradeCost computes the exact cost to buy delta shares of outcome i:
//
//	cost = C(q with q_i += delta) - C(q)
//
// This is the non-approximated amount implied by the cost function, not
// delta × current price (which is only a first-order approximation).
func (m *MarketMaker) TradeCost(quantities []decimal.Decimal, i int, delta decimal.Decimal) decimal.Decimal {
	costBefore := m.Cost(quantities)

	after := make([]decimal.Decimal, len(quantities))
	copy(after, quantities)
	after[i] = after[i].Add(delta)

	return m.Cost(after).Sub(costBefore)
}

// SharesForAmount converts a GHS spend into shares at the current marginal
// price:
//
//	shares = amount / price
//
// This is a constant-price approximation, NOT the exact inverse of the
// cost function: the marginal price rises as shares are bought, so for
// spends large relative to b this over-grants shares compared to solving
// C(q + delta) - C(q) = amount for delta. The trade engine depends on
// this exact convention — do not replace it with the exact inverse.
//
// Prices below MinPrice are floored before the division. The probability
// vector itself is never clamped, only the grant price.
func (m *MarketMaker) SharesForAmount(amount, price decimal.Decimal) decimal.Decimal {
	if price.LessThan(MinPrice) {
		price = MinPrice
	}
	return amount.Div(price).Round(PriceScale)
}

// MaxLoss returns the maximum possible loss for the market maker:
// b * ln(n) for n outcomes.
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	bf := m.b.InexactFloat64()
	return decimal.NewFromFloat(bf * math.Log(float64(n))).Round(PriceScale)
}

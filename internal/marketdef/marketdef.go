// Package marketdef handles validation and normalization of new market
// definitions before they reach the pricing engine or the store.
package marketdef

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported market categories.
const (
	CategoryEPL   = "EPL"
	CategoryAFCON = "AFCON"
)

var validCategories = map[string]bool{
	CategoryEPL:   true,
	CategoryAFCON: true,
}

// DefaultLiquidity is the LMSR b parameter assigned when a definition
// does not specify one.
var DefaultLiquidity = decimal.NewFromInt(1000)

var (
	ErrEmptyTitle           = errors.New("marketdef: title must not be empty")
	ErrUnknownCategory      = errors.New("marketdef: unknown category")
	ErrTooFewOutcomes       = errors.New("marketdef: at least 2 outcomes required")
	ErrDuplicateOutcome     = errors.New("marketdef: outcome labels must be distinct")
	ErrNonPositiveLiquidity = errors.New("marketdef: liquidity must be positive")
)

// Definition is a validated, normalized request to create one market.
type Definition struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	Outcomes    []string        `json:"outcomes"`
}

// Normalize validates a raw definition and returns its canonical form:
// whitespace-trimmed title and outcome labels, blank outcome labels
// dropped, and the default liquidity applied when none is given.
func Normalize(raw Definition) (*Definition, error) {
	def := Definition{
		Title:       strings.TrimSpace(raw.Title),
		Description: strings.TrimSpace(raw.Description),
		Category:    strings.TrimSpace(raw.Category),
		Liquidity:   raw.Liquidity,
	}

	if def.Title == "" {
		return nil, ErrEmptyTitle
	}

	if !validCategories[def.Category] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, raw.Category)
	}

	seen := make(map[string]bool)
	for _, label := range raw.Outcomes {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if seen[label] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOutcome, label)
		}
		seen[label] = true
		def.Outcomes = append(def.Outcomes, label)
	}
	if len(def.Outcomes) < 2 {
		return nil, ErrTooFewOutcomes
	}

	if def.Liquidity.IsZero() {
		def.Liquidity = DefaultLiquidity
	}
	if def.Liquidity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveLiquidity, raw.Liquidity)
	}

	return &def, nil
}

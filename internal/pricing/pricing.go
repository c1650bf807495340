// Package pricing maps models to per-1k-token prices and turns token usage
// into USD amounts.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/coin-advisor/internal/models"
)

var ErrInvalidUsage = errors.New("invalid usage: token counts must be non-negative")

// Price is the USD cost of 1000 tokens in each direction.
type Price struct {
	InputPer1K  float64 `json:"in"`
	OutputPer1K float64 `json:"out"`
}

// Table is read-only after construction.
type Table map[models.Model]Price

// DefaultTable returns the prices the advisor ships with.
func DefaultTable() Table {
	return Table{
		models.GeminiFlash: {InputPer1K: 0.00010, OutputPer1K: 0.00040},
		models.OpenAIMini:  {InputPer1K: 0.00015, OutputPer1K: 0.00060},
	}
}

func (t Table) PriceOf(model models.Model) (Price, error) {
	p, ok := t[model]
	if !ok {
		return Price{}, fmt.Errorf("%w: no price for %q", models.ErrUnknownModel, model)
	}
	return p, nil
}

// Cost prices a call. The result is unrounded; use Round6 for display and
// persistence.
func Cost(inputTokens, outputTokens int, p Price) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("%w (in=%d, out=%d)", ErrInvalidUsage, inputTokens, outputTokens)
	}
	cost := float64(inputTokens) / 1000.0 * p.InputPer1K
	cost += float64(outputTokens) / 1000.0 * p.OutputPer1K
	return cost, nil
}

// Round6 rounds a USD amount half away from zero to 6 decimal places.
func Round6(amount float64) float64 {
	return decimal.NewFromFloat(amount).Round(6).InexactFloat64()
}

// Package billing keeps the charge audit log: one row per successful
// deduction, pairing the pre-call estimate with the priced provider usage.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Charge struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	RequestID        string    `json:"request_id"`
	Coin             string    `json:"coin"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	ActualCostUSD    float64   `json:"actual_cost_usd"`
	BalanceAfterUSD  float64   `json:"balance_after_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

type Store interface {
	LogCharge(ctx context.Context, c *Charge) error
	ListCharges(ctx context.Context, username string, from, to time.Time) ([]*Charge, error)
}

// Total sums the actual cost of charges, rounded to 6 decimals.
func Total(charges []*Charge) float64 {
	sum := decimal.Zero
	for _, c := range charges {
		sum = sum.Add(decimal.NewFromFloat(c.ActualCostUSD))
	}
	return sum.Round(6).InexactFloat64()
}

// prepare fills the id and timestamp when the caller left them empty.
func prepare(c *Charge) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

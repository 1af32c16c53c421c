// Package fees computes the platform-fee / provider split for engagement amounts.
//
// All amounts are integer minor currency units (cents). The fee is rounded
// half-up to the nearest cent and the provider net is the exact remainder,
// so fee + net always equals the gross amount.
package fees

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidRate    = errors.New("fee rate must be a finite percentage between 0 and 100")
)

// Split is the result of dividing a gross amount between platform and provider.
type Split struct {
	GrossCents    int64 `json:"grossCents"`
	FeeCents      int64 `json:"feeCents"`
	ProviderCents int64 `json:"providerCents"`
}

// Calculator converts gross engagement amounts into platform-fee / provider
// splits at a fixed rate. Safe for concurrent use.
type Calculator struct {
	ratePercent decimal.Decimal
}

// NewCalculator creates a calculator for the given fee rate in percent (e.g. 15).
func NewCalculator(ratePercent float64) (*Calculator, error) {
	if math.IsNaN(ratePercent) || math.IsInf(ratePercent, 0) || ratePercent < 0 || ratePercent > 100 {
		return nil, ErrInvalidRate
	}
	return &Calculator{ratePercent: decimal.NewFromFloat(ratePercent)}, nil
}

// RatePercent returns the configured fee rate.
func (c *Calculator) RatePercent() float64 {
	f, _ := c.ratePercent.Float64()
	return f
}

// Split divides grossCents into a platform fee and a provider net amount.
// fee = round-half-up(gross * rate / 100), net = gross - fee.
func (c *Calculator) Split(grossCents int64) (Split, error) {
	if grossCents < 0 {
		return Split{}, ErrNegativeAmount
	}

	gross := decimal.NewFromInt(grossCents)
	// decimal.Round rounds half away from zero, which is half-up for
	// non-negative amounts.
	fee := gross.Mul(c.ratePercent).Div(decimal.NewFromInt(100)).Round(0)

	feeCents := fee.IntPart()
	if feeCents > grossCents {
		feeCents = grossCents
	}

	return Split{
		GrossCents:    grossCents,
		FeeCents:      feeCents,
		ProviderCents: grossCents - feeCents,
	}, nil
}

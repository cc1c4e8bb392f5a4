// Package correlation implements position limits that account for the
// correlation between nearby maturities of one currency.
//
// A rate move shifts the whole curve, so an account lending 1000 at every
// quarterly maturity carries far more rate risk than one position. Positions
// whose maturities fall within Window seconds of each other form a correlated
// group and are limited in aggregate.
package correlation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

var (
	// ErrPerMaturityLimitExceeded is returned when a trade would push a
	// single maturity's net fCash beyond the per-maturity maximum.
	ErrPerMaturityLimitExceeded = fmt.Errorf("correlation: per-maturity limit: %w", model.ErrPositionLimit)

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate absolute fCash across correlated maturities beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("correlation: correlated exposure limit: %w", model.ErrPositionLimit)
)

// PositionLimiter enforces fCash position limits per account and currency.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerMaturity is the maximum absolute net fCash at any one maturity.
	MaxPerMaturity decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute fCash across all
	// maturities within Window of the traded maturity.
	MaxCorrelated decimal.Decimal

	// Window is the correlation radius in seconds.
	Window int64
}

// NewPositionLimiter creates a limiter with the given per-maturity and
// correlated exposure limits.
func NewPositionLimiter(maxPerMaturity, maxCorrelated decimal.Decimal, window int64) *PositionLimiter {
	if window < 0 {
		window = 0
	}
	return &PositionLimiter{
		MaxPerMaturity: maxPerMaturity,
		MaxCorrelated:  maxCorrelated,
		Window:         window,
	}
}

// CheckLimit validates a change of delta fCash at maturity against the
// account's existing net fCash by maturity.
func (l *PositionLimiter) CheckLimit(maturity int64, delta decimal.Decimal, existing map[int64]decimal.Decimal) error {
	if l == nil {
		return nil
	}
	next := existing[maturity].Add(delta)

	// Reducing a position is always allowed.
	if next.Abs().LessThanOrEqual(existing[maturity].Abs()) {
		return nil
	}

	if l.MaxPerMaturity.IsPositive() && next.Abs().GreaterThan(l.MaxPerMaturity) {
		return ErrPerMaturityLimitExceeded
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	total := next.Abs()
	for m, x := range existing {
		if m == maturity {
			continue
		}
		if correlated(m, maturity, l.Window) {
			total = total.Add(x.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

func correlated(a, b, window int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Exposures sums the fCash of one currency by maturity. Liquidity token
// claims are not counted.
func Exposures(assets []model.Asset, currencyID uint16) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal)
	for _, a := range assets {
		if a.CurrencyID != currencyID || a.AssetType != model.AssetTypeFCash {
			continue
		}
		out[a.Maturity] = out[a.Maturity].Add(a.Notional)
	}
	return out
}

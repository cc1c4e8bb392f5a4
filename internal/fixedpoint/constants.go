// Package fixedpoint provides the integer arithmetic used by every pricing
// and valuation path in the engine.
//
// Balances are shopspring/decimal values that always hold integers in
// InternalTokenPrecision. Rates are int64 values in RatePrecision.
// Transcendental functions run on signed 64.64 binary fixed-point numbers
// held in math/big integers, so results are identical on every platform.
// Every division truncates toward zero unless documented otherwise.
package fixedpoint

import "github.com/shopspring/decimal"

const (
	RatePrecision          int64 = 1_000_000_000
	InternalTokenPrecision int64 = 100_000_000
	BasisPoint             int64 = RatePrecision / 10_000
	PercentageDecimals     int64 = 100

	Day     int64 = 86_400
	Week          = 6 * Day
	Month         = 30 * Day
	Quarter       = 90 * Day
	Year          = 360 * Day

	// ImpliedRateTime annualizes implied rates.
	ImpliedRateTime = Year

	MaxMarketProportion = RatePrecision * 96 / 100
	MaxMarketIndex      = 7
	MaxBitmapAssets     = 20

	// AssetRateDecimalDifference is the extra precision carried by asset
	// exchange rates on top of the underlying token decimals.
	AssetRateDecimalDifference int64 = 10_000_000_000

	// MaxRate bounds implied and oracle rates, which persist as uint32.
	MaxRate int64 = 1<<32 - 1

	// NotionalBits is the signed width of stored notionals and market totals.
	NotionalBits = 88
)

var (
	RP         = decimal.NewFromInt(RatePrecision)
	TokenUnit  = decimal.NewFromInt(InternalTokenPrecision)
	Percentage = decimal.NewFromInt(PercentageDecimals)
)

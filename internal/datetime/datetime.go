// Package datetime maps block times onto the market maturity schedule and the
// 256 bit bitmap portfolio schedule. All functions are pure.
package datetime

import (
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
)

const (
	// Bit ranges of the bitmap schedule. Each segment starts where the
	// previous one ends.
	MaxDayBit     = 90
	MaxWeekBit    = 135
	MaxMonthBit   = 195
	MaxQuarterBit = 256

	maxDayOffset     = 90
	maxWeekOffset    = 360
	maxMonthOffset   = 2160
	maxQuarterOffset = 7650
)

// TimeUTC0 truncates t to the start of its day.
func TimeUTC0(t int64) int64 {
	return t - t%fp.Day
}

// ReferenceTime truncates t to the start of its quarter. Markets roll on
// reference time boundaries.
func ReferenceTime(t int64) int64 {
	return t - t%fp.Quarter
}

// TradedMarketLength returns the tenor of market index i, or 0 for an
// unknown index.
func TradedMarketLength(i int) int64 {
	switch i {
	case 1:
		return fp.Quarter
	case 2:
		return 2 * fp.Quarter
	case 3:
		return fp.Year
	case 4:
		return 2 * fp.Year
	case 5:
		return 5 * fp.Year
	case 6:
		return 10 * fp.Year
	case 7:
		return 20 * fp.Year
	}
	return 0
}

// MarketMaturity returns the maturity of market index i as of blockTime.
func MarketMaturity(i int, blockTime int64) int64 {
	return ReferenceTime(blockTime) + TradedMarketLength(i)
}

// MarketIndex returns the index of the market maturing at maturity.
// idiosyncratic is true when the maturity is within the cash group's horizon
// but falls between listed markets.
func MarketIndex(maxMarketIndex int, maturity, blockTime int64) (index int, idiosyncratic bool, ok bool) {
	ref := ReferenceTime(blockTime)
	for i := 1; i <= maxMarketIndex; i++ {
		m := ref + TradedMarketLength(i)
		if m == maturity {
			return i, false, true
		}
		if m > maturity {
			return i, true, true
		}
	}
	return 0, false, false
}

// IsValidMarketMaturity reports whether maturity is an on-the-run market
// maturity for a cash group with maxMarketIndex markets.
func IsValidMarketMaturity(maxMarketIndex int, maturity, blockTime int64) bool {
	if maturity%fp.Quarter != 0 {
		return false
	}
	i, idio, ok := MarketIndex(maxMarketIndex, maturity, blockTime)
	return ok && !idio && i > 0
}

// IsValidMaturity reports whether maturity is tradable as fCash for a cash
// group with maxMarketIndex markets, including idiosyncratic maturities.
func IsValidMaturity(maxMarketIndex int, maturity, blockTime int64) bool {
	ref := ReferenceTime(blockTime)
	if maturity%fp.Day != 0 || maturity < ref {
		return false
	}
	return maturity <= ref+TradedMarketLength(maxMarketIndex)
}

// LiquidityTokenSettlementDate is the date a liquidity token stops earning
// and its cash claim settles: one quarter after the market was listed.
func LiquidityTokenSettlementDate(maturity int64, marketIndex int) int64 {
	return maturity - TradedMarketLength(marketIndex) + fp.Quarter
}

// MaturityFromBitNum returns the maturity represented by bit (1..256) of a
// bitmap anchored at refTime.
func MaturityFromBitNum(refTime int64, bit int) int64 {
	utc0 := TimeUTC0(refTime)
	b := int64(bit)
	switch {
	case bit <= MaxDayBit:
		return utc0 + b*fp.Day
	case bit <= MaxWeekBit:
		first := utc0 + maxDayOffset*fp.Day - utc0%fp.Week
		return first + (b-MaxDayBit)*fp.Week
	case bit <= MaxMonthBit:
		first := utc0 + maxWeekOffset*fp.Day - utc0%fp.Month
		return first + (b-MaxWeekBit)*fp.Month
	default:
		first := utc0 + maxMonthOffset*fp.Day - utc0%fp.Quarter
		return first + (b-MaxMonthBit)*fp.Quarter
	}
}

// BitNumFromMaturity is the inverse of MaturityFromBitNum. exact is false
// when maturity falls between two bits; the returned bit is then the one
// below it.
func BitNumFromMaturity(refTime, maturity int64) (bit int, exact bool) {
	utc0 := TimeUTC0(refTime)
	if maturity%fp.Day != 0 || maturity <= utc0 {
		return 0, false
	}
	days := (maturity - utc0) / fp.Day
	switch {
	case days <= maxDayOffset:
		return int(days), true
	case days <= maxWeekOffset:
		off := days - maxDayOffset + (utc0%fp.Week)/fp.Day
		return MaxDayBit + int(off/6), off%6 == 0
	case days <= maxMonthOffset:
		off := days - maxWeekOffset + (utc0%fp.Month)/fp.Day
		return MaxWeekBit + int(off/30), off%30 == 0
	case days <= maxQuarterOffset:
		off := days - maxMonthOffset + (utc0%fp.Quarter)/fp.Day
		return MaxMonthBit + int(off/90), off%90 == 0
	}
	return 0, false
}

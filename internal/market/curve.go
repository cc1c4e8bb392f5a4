// Package market implements the fixed-rate lending AMM that trades fCash
// against asset cash for one (currency, maturity).
//
// The curve maps the market proportion p = fCash / (fCash + cash) onto an
// exchange rate:
//
//	exchangeRate = rateAnchor + ln(p / (1 - p)) / rateScalar
//
// An exchange rate of RatePrecision means one unit of cash today buys one unit
// of fCash at maturity. The annualized implied rate is
// ln(exchangeRate) * Year / timeToMaturity. Before every trade the anchor is
// re-solved so the implied rate is continuous as time to maturity shrinks.
//
// Every function here is pure: markets are passed in and returned by value.
// All arithmetic is integer and truncating, so results are reproducible
// bit for bit.
package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Proportion returns (totalfCash - fCashToAccount) * RP / (totalfCash + totalCashUnderlying).
func Proportion(totalfCash, totalCashUnderlying, fCashToAccount decimal.Decimal) (int64, error) {
	denom := totalfCash.Add(totalCashUnderlying)
	if !denom.IsPositive() {
		return 0, fmt.Errorf("empty market: %w", model.ErrInvalidProportion)
	}
	p, err := fp.ToInt64(fp.MulDiv(totalfCash.Sub(fCashToAccount), fp.RP, denom))
	if err != nil {
		return 0, fmt.Errorf("proportion: %w", model.ErrInvalidProportion)
	}
	if p <= 0 || p > fp.MaxMarketProportion {
		return 0, fmt.Errorf("proportion %d: %w", p, model.ErrInvalidProportion)
	}
	return p, nil
}

// scaledLogProportion returns LogProportion(p) * RP / rateScalar.
func scaledLogProportion(p, rateScalar int64) (int64, error) {
	if rateScalar <= 0 {
		return 0, fmt.Errorf("rate scalar %d: %w", rateScalar, model.ErrInvalidMarket)
	}
	lp, ok := fp.LogProportion(p)
	if !ok {
		return 0, fmt.Errorf("log proportion %d: %w", p, model.ErrInvalidProportion)
	}
	return fp.MulDivInt64(lp, fp.RatePrecision, rateScalar)
}

// ExchangeRate prices a trade of fCashToAccount against the curve. The
// result is never below RatePrecision: fCash may not trade at a negative
// interest rate.
func ExchangeRate(totalfCash, totalCashUnderlying decimal.Decimal, rateScalar, rateAnchor int64, fCashToAccount decimal.Decimal) (int64, error) {
	p, err := Proportion(totalfCash, totalCashUnderlying, fCashToAccount)
	if err != nil {
		return 0, err
	}
	s, err := scaledLogProportion(p, rateScalar)
	if err != nil {
		return 0, err
	}
	rate := s + rateAnchor
	if rate < fp.RatePrecision {
		return 0, fmt.Errorf("exchange rate %d below par: %w", rate, model.ErrInvalidProportion)
	}
	return rate, nil
}

// ImpliedRate annualizes an exchange rate over timeToMaturity seconds.
func ImpliedRate(exchangeRate, timeToMaturity int64) (int64, error) {
	if timeToMaturity <= 0 {
		return 0, fmt.Errorf("time to maturity %d: %w", timeToMaturity, model.ErrMarketMatured)
	}
	ln, ok := fp.LnRate(exchangeRate)
	if !ok {
		return 0, fmt.Errorf("exchange rate %d: %w", exchangeRate, model.ErrInvalidProportion)
	}
	r, err := fp.MulDivInt64(ln, fp.ImpliedRateTime, timeToMaturity)
	if err != nil {
		return 0, err
	}
	if err := fp.CheckRate(r); err != nil {
		return 0, err
	}
	return r, nil
}

// ExchangeRateFromImpliedRate is the inverse of ImpliedRate:
// exp(impliedRate * timeToMaturity / Year).
func ExchangeRateFromImpliedRate(impliedRate, timeToMaturity int64) (int64, error) {
	x, err := fp.MulDivInt64(impliedRate, timeToMaturity, fp.ImpliedRateTime)
	if err != nil {
		return 0, err
	}
	r, ok := fp.ExpRate(x)
	if !ok {
		return 0, fmt.Errorf("exp(%d): %w", x, model.ErrOverflow)
	}
	return r, nil
}

// RateAnchor solves for the anchor that reproduces lastImpliedRate at the
// market's current proportion and time to maturity.
func RateAnchor(totalfCash decimal.Decimal, lastImpliedRate int64, totalCashUnderlying decimal.Decimal, rateScalar, timeToMaturity int64) (int64, error) {
	exchangeRate, err := ExchangeRateFromImpliedRate(lastImpliedRate, timeToMaturity)
	if err != nil {
		return 0, err
	}
	p, err := Proportion(totalfCash, totalCashUnderlying, decimal.Zero)
	if err != nil {
		return 0, err
	}
	s, err := scaledLogProportion(p, rateScalar)
	if err != nil {
		return 0, err
	}
	anchor := exchangeRate - s
	if anchor <= 0 {
		return 0, fmt.Errorf("rate anchor %d: %w", anchor, model.ErrInvalidProportion)
	}
	return anchor, nil
}

package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Trade is the input of CalculateTrade. A positive FCashToAccount lends: the
// account pays cash now and receives fCash. A negative amount borrows.
// MinImpliedRate and MaxImpliedRate bound the annualized execution rate;
// zero leaves a bound open.
type Trade struct {
	MarketIndex    int
	FCashToAccount decimal.Decimal
	MinImpliedRate int64
	MaxImpliedRate int64
	BlockTime      int64
}

// TradeResult is the outcome of a trade. Cash amounts are asset cash;
// Fee is in underlying.
type TradeResult struct {
	Market             model.Market
	AssetCashToAccount decimal.Decimal
	AssetCashToReserve decimal.Decimal
	Fee                decimal.Decimal
	ExecutionRate      int64
}

// CalculateTrade prices t against m and returns the updated market. m must
// already carry the oracle rate for t.BlockTime (see Load).
func CalculateTrade(m model.Market, cg *cashgroup.CashGroup, t Trade) (TradeResult, error) {
	if t.FCashToAccount.IsZero() {
		return TradeResult{}, fmt.Errorf("zero trade: %w", model.ErrNegativeAmount)
	}
	if err := fp.CheckNotional(t.FCashToAccount); err != nil {
		return TradeResult{}, err
	}
	if m.IsMatured(t.BlockTime) {
		return TradeResult{}, fmt.Errorf("market %d/%d: %w", m.CurrencyID, m.Maturity, model.ErrMarketMatured)
	}
	if !m.TotalLiquidity.IsPositive() || m.TotalFCash.LessThanOrEqual(t.FCashToAccount) {
		return TradeResult{}, fmt.Errorf("market %d/%d: %w", m.CurrencyID, m.Maturity, model.ErrInsufficientLiquidity)
	}

	ttm := m.Maturity - t.BlockTime
	rateScalar, err := cg.RateScalar(t.MarketIndex, ttm)
	if err != nil {
		return TradeResult{}, err
	}
	cashUnderlying := cg.AssetRate.ConvertToUnderlying(m.TotalAssetCash)
	anchor, err := RateAnchor(m.TotalFCash, m.LastImpliedRate, cashUnderlying, rateScalar, ttm)
	if err != nil {
		return TradeResult{}, err
	}
	preFeeRate, err := ExchangeRate(m.TotalFCash, cashUnderlying, rateScalar, anchor, t.FCashToAccount)
	if err != nil {
		return TradeResult{}, err
	}
	feeRate, err := ExchangeRateFromImpliedRate(cg.TotalFee(), ttm)
	if err != nil {
		return TradeResult{}, err
	}

	preFeeCash := fp.DivRate(t.FCashToAccount, preFeeRate).Neg()
	var fee decimal.Decimal
	var postFeeRate int64
	if t.FCashToAccount.IsPositive() {
		postFeeRate, err = fp.MulDivInt64(preFeeRate, fp.RatePrecision, feeRate)
		if err != nil {
			return TradeResult{}, err
		}
		if postFeeRate < fp.RatePrecision {
			return TradeResult{}, fmt.Errorf("lending below par after fees: %w", model.ErrInvalidProportion)
		}
		fee = fp.MulRate(preFeeCash, fp.RatePrecision-feeRate)
	} else {
		postFeeRate, err = fp.MulDivInt64(preFeeRate, feeRate, fp.RatePrecision)
		if err != nil {
			return TradeResult{}, err
		}
		fee = fp.MulDiv(preFeeCash, decimal.NewFromInt(feeRate-fp.RatePrecision), decimal.NewFromInt(feeRate))
	}

	executionRate, err := ImpliedRate(postFeeRate, ttm)
	if err != nil {
		return TradeResult{}, err
	}
	if (t.MinImpliedRate != 0 && executionRate < t.MinImpliedRate) ||
		(t.MaxImpliedRate != 0 && executionRate > t.MaxImpliedRate) {
		return TradeResult{}, fmt.Errorf("execution rate %d outside [%d, %d]: %w",
			executionRate, t.MinImpliedRate, t.MaxImpliedRate, model.ErrSlippageExceeded)
	}

	reserve := fp.Percent(fee, cg.ReserveFeeShare())
	cashToAccount := preFeeCash.Sub(fee)
	cashToMarket := cashToAccount.Add(reserve).Neg()

	next := m
	next.TotalFCash = m.TotalFCash.Sub(t.FCashToAccount)
	newCashUnderlying := cashUnderlying.Add(cashToMarket)
	if !newCashUnderlying.IsPositive() {
		return TradeResult{}, fmt.Errorf("market cash exhausted: %w", model.ErrInsufficientLiquidity)
	}
	next.TotalAssetCash = m.TotalAssetCash.Add(cg.AssetRate.ConvertFromUnderlying(cashToMarket))
	if next.TotalAssetCash.IsNegative() {
		return TradeResult{}, fmt.Errorf("market cash exhausted: %w", model.ErrInsufficientLiquidity)
	}

	// The new last implied rate is read off the curve at the post-trade
	// proportion with the anchor solved above.
	postRate, err := ExchangeRate(next.TotalFCash, newCashUnderlying, rateScalar, anchor, decimal.Zero)
	if err != nil {
		return TradeResult{}, err
	}
	next.LastImpliedRate, err = ImpliedRate(postRate, ttm)
	if err != nil {
		return TradeResult{}, err
	}
	next.PreviousTradeTime = t.BlockTime

	return TradeResult{
		Market:             next,
		AssetCashToAccount: cg.AssetRate.ConvertFromUnderlying(cashToAccount),
		AssetCashToReserve: cg.AssetRate.ConvertFromUnderlying(reserve),
		Fee:                fee,
		ExecutionRate:      executionRate,
	}, nil
}

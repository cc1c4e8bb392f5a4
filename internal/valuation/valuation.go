// Package valuation computes the present value of portfolios and the free
// collateral of accounts.
//
// Present values discount continuously at the market oracle rate:
// pv = notional * exp(-oracleRate * timeToMaturity / Year). The risk adjusted
// variant haircuts assets (discounts at oracleRate + fCashHaircut) and
// buffers liabilities (discounts at oracleRate - debtBuffer, never above par).
//
// Free collateral converts each currency's net local value into ETH with the
// currency haircut for positive values and buffer for negative ones.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/cashgroup"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/state"
)

// ETHRateDecimals is the precision of ETH exchange rates.
var ETHRateDecimals = decimal.New(1, 18)

// ETHRates supplies the ETH value of one unit of a currency's underlying,
// in ETHRateDecimals.
type ETHRates interface {
	ETHRate(ctx context.Context, currencyID uint16) (decimal.Decimal, error)
}

// DiscountFactor returns exp(-rate * timeToMaturity / Year) in rate precision.
func DiscountFactor(rate, timeToMaturity int64) (int64, error) {
	if timeToMaturity <= 0 {
		return fp.RatePrecision, nil
	}
	x, err := fp.MulDivInt64(rate, timeToMaturity, fp.ImpliedRateTime)
	if err != nil {
		return 0, err
	}
	df, ok := fp.ExpRate(-x)
	if !ok {
		return 0, fmt.Errorf("discount factor exp(%d): %w", -x, model.ErrOverflow)
	}
	return df, nil
}

// PresentValue discounts notional from maturity back to blockTime.
func PresentValue(notional decimal.Decimal, maturity, blockTime, oracleRate int64) (decimal.Decimal, error) {
	df, err := DiscountFactor(oracleRate, maturity-blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	return fp.MulRate(notional, df), nil
}

// RiskAdjustedPresentValue values positive notional at a haircut and negative
// notional with a buffer.
func RiskAdjustedPresentValue(cg *cashgroup.CashGroup, notional decimal.Decimal, maturity, blockTime, oracleRate int64) (decimal.Decimal, error) {
	if notional.IsPositive() {
		return PresentValue(notional, maturity, blockTime, oracleRate+cg.FCashHaircut())
	}
	if cg.DebtBuffer() >= oracleRate {
		return notional, nil
	}
	return PresentValue(notional, maturity, blockTime, oracleRate-cg.DebtBuffer())
}

// Value is a portfolio value in one currency: PV is underlying, AssetCash
// is the liquidity token cash claims in asset cash.
type Value struct {
	PV        decimal.Decimal
	AssetCash decimal.Decimal
}

// oracleRate prefers a market listed at exactly maturity, then the curve of
// on-the-run markets.
func oracleRate(ctx context.Context, r market.Reader, cg *cashgroup.CashGroup, maturity, blockTime int64) (int64, error) {
	m, err := market.LoadMaturity(ctx, r, cg, maturity, blockTime)
	if err == nil {
		return m.OracleRate, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return 0, err
	}
	return market.OracleRate(ctx, r, cg, maturity, blockTime)
}

// PortfolioValue values the assets of cg's currency. Liquidity token fCash
// claims net into fCash held at the same maturity; unmatched claims are
// valued on their own and a token never contributes a negative value.
func PortfolioValue(ctx context.Context, r market.Reader, cg *cashgroup.CashGroup, assets []model.Asset, blockTime int64, riskAdjusted bool) (Value, error) {
	val := Value{PV: decimal.Zero, AssetCash: decimal.Zero}
	fCash := make(map[int64]decimal.Decimal)
	var tokens []model.Asset
	for _, a := range assets {
		if a.CurrencyID != cg.CurrencyID() || a.Maturity <= blockTime {
			continue
		}
		if a.AssetType.IsLiquidityToken() {
			tokens = append(tokens, a)
			continue
		}
		fCash[a.Maturity] = fCash[a.Maturity].Add(a.Notional)
	}

	pv := func(notional decimal.Decimal, maturity int64) (decimal.Decimal, error) {
		rate, err := oracleRate(ctx, r, cg, maturity, blockTime)
		if err != nil {
			return decimal.Zero, err
		}
		if riskAdjusted {
			return RiskAdjustedPresentValue(cg, notional, maturity, blockTime, rate)
		}
		return PresentValue(notional, maturity, blockTime, rate)
	}

	for _, t := range tokens {
		m, err := r.Market(ctx, t.CurrencyID, t.Maturity)
		if err != nil {
			return Value{}, fmt.Errorf("value liquidity token %d/%d: %w", t.CurrencyID, t.Maturity, err)
		}
		var cashClaim, fCashClaim decimal.Decimal
		if riskAdjusted {
			cashClaim, fCashClaim, err = market.HaircutCashClaims(t.Notional, t.AssetType, *m, cg)
			if err != nil {
				return Value{}, err
			}
		} else {
			cashClaim, fCashClaim = market.CashClaims(t.Notional, *m)
		}
		if held, ok := fCash[t.Maturity]; ok {
			fCash[t.Maturity] = held.Add(fCashClaim)
			val.AssetCash = val.AssetCash.Add(cashClaim)
			continue
		}
		claimPV, err := pv(fCashClaim, t.Maturity)
		if err != nil {
			return Value{}, err
		}
		if cg.AssetRate.ConvertToUnderlying(cashClaim).Add(claimPV).IsNegative() {
			continue
		}
		val.AssetCash = val.AssetCash.Add(cashClaim)
		val.PV = val.PV.Add(claimPV)
	}

	maturities := make([]int64, 0, len(fCash))
	for m := range fCash {
		maturities = append(maturities, m)
	}
	sort.Slice(maturities, func(i, j int) bool { return maturities[i] < maturities[j] })
	for _, mat := range maturities {
		x, err := pv(fCash[mat], mat)
		if err != nil {
			return Value{}, err
		}
		val.PV = val.PV.Add(x)
	}
	return val, nil
}

// CurrencyValue is one currency's contribution to free collateral.
type CurrencyValue struct {
	CurrencyID  uint16          `json:"currency_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	// NetLocal is cash plus portfolio value, in asset cash.
	NetLocal decimal.Decimal `json:"net_local"`
	// NetUnderlying is NetLocal in underlying.
	NetUnderlying decimal.Decimal `json:"net_underlying"`
	ETHValue      decimal.Decimal `json:"eth_value"`
}

// Result is the free collateral of an account.
type Result struct {
	FreeCollateral decimal.Decimal `json:"free_collateral"`
	Currencies     []CurrencyValue `json:"currencies"`
	HasDebt        model.DebtFlags `json:"has_debt"`
}

// Local returns the net local value of an account in cg's currency.
func Local(ctx context.Context, v *state.View, cg *cashgroup.CashGroup, acct *state.Account, account string, blockTime int64, riskAdjusted bool) (CurrencyValue, error) {
	bal, err := v.Balance(ctx, account, cg.CurrencyID())
	if err != nil {
		return CurrencyValue{}, err
	}
	assets := acct.Portfolio
	if acct.Bitmap != nil && acct.Bitmap.CurrencyID == cg.CurrencyID() {
		assets = append(append([]model.Asset(nil), assets...), portfolio.GetifCashArray(acct.Bitmap)...)
	}
	pv, err := PortfolioValue(ctx, v, cg, assets, blockTime, riskAdjusted)
	if err != nil {
		return CurrencyValue{}, err
	}
	cash := bal.CashBalance()
	netLocal := cash.Add(pv.AssetCash).Add(cg.AssetRate.ConvertFromUnderlying(pv.PV))
	return CurrencyValue{
		CurrencyID:    cg.CurrencyID(),
		CashBalance:   cash,
		NetLocal:      netLocal,
		NetUnderlying: cg.AssetRate.ConvertToUnderlying(netLocal),
	}, nil
}

// ConvertToETH converts underlying into ETH at rate, applying the haircut to
// positive balances and the buffer to negative ones.
func ConvertToETH(c model.Currency, underlying, rate decimal.Decimal) decimal.Decimal {
	multiplier := c.Haircut
	if underlying.IsNegative() {
		multiplier = c.Buffer
	}
	return fp.Div(underlying.Mul(rate).Mul(decimal.NewFromInt(multiplier)), ETHRateDecimals.Mul(fp.Percentage))
}

// FreeCollateral values every active currency of an account with risk
// adjustments and sums their ETH values. The debt flags of the account's
// context are recomputed and staged in v when they change.
func FreeCollateral(ctx context.Context, v *state.View, oracle assetrate.Oracle, eth ETHRates, account string, blockTime int64) (Result, error) {
	acct, err := v.Account(ctx, account)
	if err != nil {
		return Result{}, err
	}
	res := Result{FreeCollateral: decimal.Zero}
	for _, id := range portfolio.ActiveCurrencyIDs(acct.Context) {
		cg, err := cashgroup.Load(ctx, v, oracle, id)
		if err != nil {
			return Result{}, err
		}
		cv, err := Local(ctx, v, cg, acct, account, blockTime, true)
		if err != nil {
			return Result{}, err
		}
		rate, err := eth.ETHRate(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("eth rate for currency %d: %w", id, err)
		}
		cv.ETHValue = ConvertToETH(cg.Currency, cv.NetUnderlying, rate)
		res.FreeCollateral = res.FreeCollateral.Add(cv.ETHValue)
		res.Currencies = append(res.Currencies, cv)

		if cv.NetLocal.IsNegative() || cv.CashBalance.IsNegative() {
			res.HasDebt |= model.CashDebt
		}
	}
	if hasAssetDebt(acct) {
		res.HasDebt |= model.AssetDebt
	}

	if acct.Context.HasDebt != res.HasDebt {
		acct.Context.HasDebt = res.HasDebt
		if err := v.SetAccount(account, acct); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func hasAssetDebt(acct *state.Account) bool {
	for _, a := range acct.Portfolio {
		if a.AssetType == model.AssetTypeFCash && a.Notional.IsNegative() {
			return true
		}
	}
	if acct.Bitmap != nil {
		for _, x := range acct.Bitmap.Notionals {
			if x.IsNegative() {
				return true
			}
		}
	}
	return false
}

// TotalUnderlyingValue is the unhaircut value of every active currency of an
// account, in underlying.
func TotalUnderlyingValue(ctx context.Context, v *state.View, oracle assetrate.Oracle, account string, blockTime int64) ([]CurrencyValue, error) {
	acct, err := v.Account(ctx, account)
	if err != nil {
		return nil, err
	}
	var out []CurrencyValue
	for _, id := range portfolio.ActiveCurrencyIDs(acct.Context) {
		cg, err := cashgroup.Load(ctx, v, oracle, id)
		if err != nil {
			return nil, err
		}
		cv, err := Local(ctx, v, cg, acct, account, blockTime, false)
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, nil
}

package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// AddLiquidity mints tokens for assetCash at the market's current ratio. The
// market gains fCash = totalfCash * assetCash / totalAssetCash, which the
// minter owes: netfCash is that amount negated. Rates are left unchanged.
func AddLiquidity(m model.Market, assetCash decimal.Decimal, blockTime int64) (next model.Market, tokens, netfCash decimal.Decimal, err error) {
	if !assetCash.IsPositive() {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("add liquidity %s: %w", assetCash, model.ErrNegativeAmount)
	}
	if m.IsMatured(blockTime) {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("market %d/%d: %w", m.CurrencyID, m.Maturity, model.ErrMarketMatured)
	}
	if !m.TotalAssetCash.IsPositive() {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("market %d/%d has no cash: %w", m.CurrencyID, m.Maturity, model.ErrInsufficientLiquidity)
	}

	tokens = fp.MulDiv(m.TotalLiquidity, assetCash, m.TotalAssetCash)
	fCash := fp.MulDiv(m.TotalFCash, assetCash, m.TotalAssetCash)
	if !tokens.IsPositive() {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("add liquidity %s mints nothing: %w", assetCash, model.ErrInsufficientLiquidity)
	}

	next = m
	next.TotalLiquidity = m.TotalLiquidity.Add(tokens)
	next.TotalFCash = m.TotalFCash.Add(fCash)
	next.TotalAssetCash = m.TotalAssetCash.Add(assetCash)
	return next, tokens, fCash.Neg(), nil
}

// RemoveLiquidity burns tokens and returns their claims on the market. It
// is allowed after maturity so settlement can redeem tokens.
func RemoveLiquidity(m model.Market, tokens decimal.Decimal) (next model.Market, assetCash, fCash decimal.Decimal, err error) {
	if !tokens.IsPositive() {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("remove liquidity %s: %w", tokens, model.ErrNegativeAmount)
	}
	if tokens.GreaterThan(m.TotalLiquidity) {
		return m, decimal.Zero, decimal.Zero, fmt.Errorf("remove %s of %s tokens: %w", tokens, m.TotalLiquidity, model.ErrInsufficientLiquidity)
	}

	assetCash, fCash = CashClaims(tokens, m)
	next = m
	next.TotalLiquidity = m.TotalLiquidity.Sub(tokens)
	next.TotalFCash = m.TotalFCash.Sub(fCash)
	next.TotalAssetCash = m.TotalAssetCash.Sub(assetCash)
	return next, assetCash, fCash, nil
}

// CashClaims returns the asset cash and fCash a token balance can redeem.
func CashClaims(tokens decimal.Decimal, m model.Market) (assetCash, fCash decimal.Decimal) {
	if !m.TotalLiquidity.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	assetCash = fp.MulDiv(m.TotalAssetCash, tokens, m.TotalLiquidity)
	fCash = fp.MulDiv(m.TotalFCash, tokens, m.TotalLiquidity)
	return assetCash, fCash
}

// HaircutCashClaims is CashClaims on the token balance after the cash group's
// liquidity token haircut.
func HaircutCashClaims(tokens decimal.Decimal, t model.AssetType, m model.Market, cg *cashgroup.CashGroup) (assetCash, fCash decimal.Decimal, err error) {
	haircut, err := cg.LiquidityHaircut(t)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	assetCash, fCash = CashClaims(fp.Percent(tokens, haircut), m)
	return assetCash, fCash, nil
}

// Initialize lists the market of marketIndex at its current maturity with
// the provider's assetCash and fCash. The provider receives assetCash
// liquidity tokens and owes fCash. The curve starts at the cash group's
// rate anchor.
func Initialize(cg *cashgroup.CashGroup, marketIndex int, assetCash, fCash decimal.Decimal, blockTime int64) (model.Market, error) {
	if !assetCash.IsPositive() || !fCash.IsPositive() {
		return model.Market{}, fmt.Errorf("initialize with cash %s fCash %s: %w", assetCash, fCash, model.ErrNegativeAmount)
	}
	maturity, err := cg.MarketMaturity(marketIndex, blockTime)
	if err != nil {
		return model.Market{}, err
	}
	anchor, err := cg.RateAnchor(marketIndex)
	if err != nil {
		return model.Market{}, err
	}
	if err := fp.CheckRate(anchor); err != nil {
		return model.Market{}, err
	}
	ttm := maturity - blockTime
	scalar, err := cg.RateScalar(marketIndex, ttm)
	if err != nil {
		return model.Market{}, err
	}
	// The proportion must be tradable from the start.
	if _, err := RateAnchor(fCash, anchor, cg.AssetRate.ConvertToUnderlying(assetCash), scalar, ttm); err != nil {
		return model.Market{}, err
	}
	return model.Market{
		CurrencyID:        cg.CurrencyID(),
		Maturity:          maturity,
		TotalFCash:        fCash,
		TotalAssetCash:    assetCash,
		TotalLiquidity:    assetCash,
		LastImpliedRate:   anchor,
		OracleRate:        anchor,
		PreviousTradeTime: blockTime,
	}, nil
}

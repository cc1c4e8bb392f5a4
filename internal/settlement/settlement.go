// Package settlement converts matured fCash and expired liquidity tokens into
// asset cash at frozen settlement rates.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/state"
)

// Amount is the asset cash settled into one currency.
type Amount struct {
	CurrencyID uint16
	AssetCash  decimal.Decimal
}

type amounts map[uint16]decimal.Decimal

func (a amounts) add(currencyID uint16, x decimal.Decimal) {
	a[currencyID] = a[currencyID].Add(x)
}

func (a amounts) sorted() []Amount {
	out := make([]Amount, 0, len(a))
	for id, x := range a {
		out = append(out, Amount{CurrencyID: id, AssetCash: x})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyID < out[j].CurrencyID })
	return out
}

type settler struct {
	v         *state.View
	oracle    assetrate.Oracle
	blockTime int64
	rates     map[uint16]map[int64]assetrate.AssetRate
}

func (s *settler) settlementRate(ctx context.Context, currencyID uint16, maturity int64) (assetrate.AssetRate, error) {
	if r, ok := s.rates[currencyID][maturity]; ok {
		return r, nil
	}
	cur, err := s.v.Currency(ctx, currencyID)
	if err != nil {
		return assetrate.AssetRate{}, fmt.Errorf("settle currency %d: %w", currencyID, err)
	}
	r, err := assetrate.BuildSettlementRate(ctx, s.v, s.oracle, *cur, maturity, s.blockTime)
	if err != nil {
		return assetrate.AssetRate{}, err
	}
	if s.rates[currencyID] == nil {
		s.rates[currencyID] = make(map[int64]assetrate.AssetRate)
	}
	s.rates[currencyID][maturity] = r
	return r, nil
}

func (s *settler) settlefCash(ctx context.Context, currencyID uint16, maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
	r, err := s.settlementRate(ctx, currencyID, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	return r.ConvertFromUnderlying(notional), nil
}

// SettlePortfolio settles every asset of an array portfolio that is due at
// blockTime. It returns the asset cash per currency and the remaining
// assets. Liquidity tokens are redeemed against their market, whose totals
// are staged in v.
func SettlePortfolio(ctx context.Context, v *state.View, oracle assetrate.Oracle, assets []model.Asset, blockTime int64) ([]Amount, []model.Asset, error) {
	s := &settler{v: v, oracle: oracle, blockTime: blockTime, rates: make(map[uint16]map[int64]assetrate.AssetRate)}
	settled := make(amounts)
	remaining := portfolio.BuildState(nil, len(assets)+1)

	// Liquidity tokens first: their fCash claims may merge into fCash held
	// at the same maturity.
	ordered := append([]model.Asset(nil), assets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].AssetType.IsLiquidityToken() && !ordered[j].AssetType.IsLiquidityToken()
	})

	for _, a := range ordered {
		if portfolio.SettlementDate(a) > blockTime {
			if err := remaining.AddAsset(a.CurrencyID, a.Maturity, a.AssetType, a.Notional); err != nil {
				return nil, nil, err
			}
			continue
		}

		if a.AssetType == model.AssetTypeFCash {
			cash, err := s.settlefCash(ctx, a.CurrencyID, a.Maturity, a.Notional)
			if err != nil {
				return nil, nil, err
			}
			settled.add(a.CurrencyID, cash)
			continue
		}

		m, err := v.Market(ctx, a.CurrencyID, a.Maturity)
		if err != nil {
			return nil, nil, fmt.Errorf("settle liquidity token %d/%d: %w", a.CurrencyID, a.Maturity, err)
		}
		next, cash, fCash, err := market.RemoveLiquidity(*m, a.Notional)
		if err != nil {
			return nil, nil, err
		}
		if err := v.SetMarket(next); err != nil {
			return nil, nil, err
		}
		settled.add(a.CurrencyID, cash)

		if a.Maturity <= blockTime {
			c, err := s.settlefCash(ctx, a.CurrencyID, a.Maturity, fCash)
			if err != nil {
				return nil, nil, err
			}
			settled.add(a.CurrencyID, c)
			continue
		}
		// The market has not matured: the claim lives on as fCash.
		if err := remaining.AddAsset(a.CurrencyID, a.Maturity, model.AssetTypeFCash, fCash); err != nil {
			return nil, nil, err
		}
	}

	return settled.sorted(), remaining.Live(), nil
}

// SettleBitmap settles the matured fCash of a bitmap portfolio and re-anchors
// it at blockTime. bp is modified in place.
func SettleBitmap(ctx context.Context, v *state.View, oracle assetrate.Oracle, bp *model.BitmapPortfolio, blockTime int64) (decimal.Decimal, error) {
	s := &settler{v: v, oracle: oracle, blockTime: blockTime, rates: make(map[uint16]map[int64]assetrate.AssetRate)}
	total := decimal.Zero

	maturities := make([]int64, 0, len(bp.Notionals))
	for m := range bp.Notionals {
		maturities = append(maturities, m)
	}
	sort.Slice(maturities, func(i, j int) bool { return maturities[i] < maturities[j] })

	for _, m := range maturities {
		if m > blockTime {
			continue
		}
		cash, err := s.settlefCash(ctx, bp.CurrencyID, m, bp.Notionals[m])
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(cash)
		delete(bp.Notionals, m)
	}
	if err := portfolio.Remap(bp, blockTime); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// SettleAccount settles an account if anything is due, crediting the settled
// cash to its balances and refreshing its context. It reports whether
// anything changed.
func SettleAccount(ctx context.Context, v *state.View, oracle assetrate.Oracle, account string, blockTime int64) (bool, error) {
	a, err := v.Account(ctx, account)
	if err != nil {
		return false, err
	}
	if !portfolio.NeedsSettlement(a.Context, a.Bitmap, blockTime) {
		return false, nil
	}

	var settled []Amount
	if a.Context.BitmapCurrencyID != 0 {
		cash, err := SettleBitmap(ctx, v, oracle, a.Bitmap, blockTime)
		if err != nil {
			return false, err
		}
		settled = append(settled, Amount{CurrencyID: a.Bitmap.CurrencyID, AssetCash: cash})
	}
	if len(a.Portfolio) > 0 {
		amts, remaining, err := SettlePortfolio(ctx, v, oracle, a.Portfolio, blockTime)
		if err != nil {
			return false, err
		}
		settled = append(settled, amts...)
		a.Portfolio = remaining
	}

	a.Refresh()
	if err := v.SetAccount(account, a); err != nil {
		return false, err
	}

	amts := make(map[string]decimal.Decimal, len(settled))
	for _, s := range settled {
		if err := v.AddCash(ctx, account, s.CurrencyID, s.AssetCash); err != nil {
			return false, err
		}
		amts[fmt.Sprintf("currency_%d", s.CurrencyID)] = s.AssetCash
	}
	v.Emit(model.EventSettleAccount, account, 0, 0, amts)
	slog.Info("account settled",
		"account", account,
		"block_time", blockTime,
		"currencies", len(settled),
	)
	return true, nil
}

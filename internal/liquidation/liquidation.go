// Package liquidation restores the local currency position of an account
// with negative free collateral. Liquidity tokens are withdrawn first,
// nearest maturity first; if that is not enough the liquidator buys the
// account's positive fCash at a reduced haircut.
package liquidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/cashgroup"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/valuation"
)

// Request describes one local currency liquidation. MaxLocalAmount caps
// the asset cash value restored to the account; zero leaves it uncapped.
type Request struct {
	Account        string
	Liquidator     string
	CurrencyID     uint16
	MaxLocalAmount decimal.Decimal
	BlockTime      int64
	MaxAssets      int
}

// Result reports what a liquidation did. Amounts are asset cash except
// FCashPurchased.
type Result struct {
	LocalRequired      decimal.Decimal `json:"local_required"`
	TokensWithdrawn    decimal.Decimal `json:"tokens_withdrawn"`
	BalanceDelta       decimal.Decimal `json:"balance_delta"`
	IncentivePaid      decimal.Decimal `json:"incentive_paid"`
	FCashPurchased     decimal.Decimal `json:"fcash_purchased"`
	LiquidatorCashPaid decimal.Decimal `json:"liquidator_cash_paid"`
	NetLocalBefore     decimal.Decimal `json:"net_local_before"`
	NetLocalAfter      decimal.Decimal `json:"net_local_after"`
}

type liquidator struct {
	v      *state.View
	cg     *cashgroup.CashGroup
	req    Request
	res    Result
	acct   *state.Account
	liq    *state.Account
	remain decimal.Decimal
}

// LiquidateLocalCurrency runs a local currency liquidation against v. Both
// accounts must already be settled.
func LiquidateLocalCurrency(ctx context.Context, v *state.View, oracle assetrate.Oracle, eth valuation.ETHRates, req Request) (Result, error) {
	if req.Account == req.Liquidator {
		return Result{}, fmt.Errorf("self liquidation: %w", model.ErrCannotLiquidate)
	}
	fc, err := valuation.FreeCollateral(ctx, v, oracle, eth, req.Account, req.BlockTime)
	if err != nil {
		return Result{}, err
	}
	if !fc.FreeCollateral.IsNegative() {
		return Result{}, fmt.Errorf("account %s free collateral %s: %w", req.Account, fc.FreeCollateral, model.ErrCannotLiquidate)
	}
	var local *valuation.CurrencyValue
	for i := range fc.Currencies {
		if fc.Currencies[i].CurrencyID == req.CurrencyID {
			local = &fc.Currencies[i]
		}
	}
	if local == nil || !local.NetLocal.IsNegative() {
		return Result{}, fmt.Errorf("account %s currency %d has no local debt: %w", req.Account, req.CurrencyID, model.ErrCannotLiquidate)
	}

	cg, err := cashgroup.Load(ctx, v, oracle, req.CurrencyID)
	if err != nil {
		return Result{}, err
	}
	rate, err := eth.ETHRate(ctx, req.CurrencyID)
	if err != nil {
		return Result{}, err
	}
	required, err := localRequired(cg, fc.FreeCollateral, local.NetLocal, rate)
	if err != nil {
		return Result{}, err
	}
	if req.MaxLocalAmount.IsPositive() && required.GreaterThan(req.MaxLocalAmount) {
		required = req.MaxLocalAmount
	}

	acct, err := v.Account(ctx, req.Account)
	if err != nil {
		return Result{}, err
	}
	liq, err := v.Account(ctx, req.Liquidator)
	if err != nil {
		return Result{}, err
	}
	l := &liquidator{
		v:      v,
		cg:     cg,
		req:    req,
		acct:   acct,
		liq:    liq,
		remain: required,
		res: Result{
			LocalRequired:      required,
			TokensWithdrawn:    decimal.Zero,
			BalanceDelta:       decimal.Zero,
			IncentivePaid:      decimal.Zero,
			FCashPurchased:     decimal.Zero,
			LiquidatorCashPaid: decimal.Zero,
			NetLocalBefore:     local.NetLocal,
		},
	}

	if err := l.withdrawLiquidityTokens(ctx); err != nil {
		return Result{}, err
	}
	if l.remain.IsPositive() {
		if err := l.purchasefCash(ctx); err != nil {
			return Result{}, err
		}
	}
	if l.res.TokensWithdrawn.IsZero() && l.res.FCashPurchased.IsZero() {
		return Result{}, fmt.Errorf("account %s has nothing to liquidate in currency %d: %w", req.Account, req.CurrencyID, model.ErrCannotLiquidate)
	}

	if err := v.SetAccount(req.Account, l.acct); err != nil {
		return Result{}, err
	}
	if err := v.SetAccount(req.Liquidator, l.liq); err != nil {
		return Result{}, err
	}
	if err := v.AddCash(ctx, req.Account, req.CurrencyID, l.res.BalanceDelta); err != nil {
		return Result{}, err
	}
	if err := v.AddCash(ctx, req.Liquidator, req.CurrencyID, l.res.IncentivePaid.Sub(l.res.LiquidatorCashPaid)); err != nil {
		return Result{}, err
	}

	after, err := valuation.FreeCollateral(ctx, v, oracle, eth, req.Account, req.BlockTime)
	if err != nil {
		return Result{}, err
	}
	l.res.NetLocalAfter = decimal.Zero
	for _, c := range after.Currencies {
		if c.CurrencyID == req.CurrencyID {
			l.res.NetLocalAfter = c.NetLocal
		}
	}
	if !l.res.NetLocalAfter.GreaterThan(l.res.NetLocalBefore) {
		return Result{}, fmt.Errorf("liquidation did not improve %s -> %s: %w", l.res.NetLocalBefore, l.res.NetLocalAfter, model.ErrCannotLiquidate)
	}
	liqFC, err := valuation.FreeCollateral(ctx, v, oracle, eth, req.Liquidator, req.BlockTime)
	if err != nil {
		return Result{}, err
	}
	if liqFC.FreeCollateral.IsNegative() {
		return Result{}, fmt.Errorf("liquidator %s free collateral %s: %w", req.Liquidator, liqFC.FreeCollateral, model.ErrInsufficientFreeCollateral)
	}

	v.Emit(model.EventLiquidateLocal, req.Account, req.CurrencyID, 0, map[string]decimal.Decimal{
		"local_required":       l.res.LocalRequired,
		"tokens_withdrawn":     l.res.TokensWithdrawn,
		"balance_delta":        l.res.BalanceDelta,
		"incentive_paid":       l.res.IncentivePaid,
		"fcash_purchased":      l.res.FCashPurchased,
		"liquidator_cash_paid": l.res.LiquidatorCashPaid,
	})
	slog.Info("liquidation executed",
		"account", req.Account,
		"liquidator", req.Liquidator,
		"currency", req.CurrencyID,
		"tokens_withdrawn", l.res.TokensWithdrawn.String(),
		"fcash_purchased", l.res.FCashPurchased.String(),
		"incentive", l.res.IncentivePaid.String(),
	)
	return l.res, nil
}

// localRequired is the asset cash that brings free collateral back to zero
// through the local currency, capped at the local debt.
func localRequired(cg *cashgroup.CashGroup, freeCollateral, netLocal, ethRate decimal.Decimal) (decimal.Decimal, error) {
	denom := ethRate.Mul(decimal.NewFromInt(cg.Currency.Buffer))
	underlying, err := fp.SafeDiv(freeCollateral.Neg().Mul(valuation.ETHRateDecimals).Mul(fp.Percentage), denom)
	if err != nil {
		return decimal.Zero, err
	}
	required := cg.AssetRate.ConvertFromUnderlying(underlying)
	if debt := netLocal.Neg(); required.GreaterThan(debt) {
		required = debt
	}
	return required, nil
}

// withdrawLiquidityTokens redeems the account's tokens until the shortfall is
// covered. Withdrawing releases the token haircut; the liquidator takes
// MarginRewardRate percent of that as its incentive.
func (l *liquidator) withdrawLiquidityTokens(ctx context.Context) error {
	var tokens []model.Asset
	for _, a := range l.acct.Portfolio {
		if a.CurrencyID == l.req.CurrencyID && a.AssetType.IsLiquidityToken() {
			tokens = append(tokens, a)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Maturity < tokens[j].Maturity })

	for _, t := range tokens {
		if !l.remain.IsPositive() {
			return nil
		}
		haircut, err := l.cg.LiquidityHaircut(t.AssetType)
		if err != nil {
			return err
		}
		m, err := l.v.Market(ctx, t.CurrencyID, t.Maturity)
		if err != nil {
			return fmt.Errorf("liquidate token %d/%d: %w", t.CurrencyID, t.Maturity, err)
		}

		remove := t.Notional
		cashClaim, _ := market.CashClaims(remove, *m)
		increase := fp.Percent(cashClaim, fp.PercentageDecimals-haircut)
		incentive := fp.Percent(increase, l.cg.MarginRewardRate())
		if net := increase.Sub(incentive); net.GreaterThan(l.remain) && net.IsPositive() {
			remove = fp.MulDiv(t.Notional, l.remain, net)
			cashClaim, _ = market.CashClaims(remove, *m)
			increase = fp.Percent(cashClaim, fp.PercentageDecimals-haircut)
			incentive = fp.Percent(increase, l.cg.MarginRewardRate())
		}
		if !remove.IsPositive() {
			continue
		}

		next, cash, fCash, err := market.RemoveLiquidity(*m, remove)
		if err != nil {
			return err
		}
		if err := l.v.SetMarket(next); err != nil {
			return err
		}
		if err := l.acct.AddAsset(t.CurrencyID, t.Maturity, t.AssetType, remove.Neg(), l.req.MaxAssets); err != nil {
			return err
		}
		if err := l.acct.AddAsset(t.CurrencyID, t.Maturity, model.AssetTypeFCash, fCash, l.req.MaxAssets); err != nil {
			return err
		}

		l.res.TokensWithdrawn = l.res.TokensWithdrawn.Add(remove)
		l.res.BalanceDelta = l.res.BalanceDelta.Add(cash.Sub(incentive))
		l.res.IncentivePaid = l.res.IncentivePaid.Add(incentive)
		l.remain = l.remain.Sub(increase.Sub(incentive))
	}
	return nil
}

// purchasefCash sells the account's positive local fCash to the liquidator
// at a present value discounted by the liquidation haircut, which is below
// the haircut free collateral applies. The difference improves the account.
func (l *liquidator) purchasefCash(ctx context.Context) error {
	var held []model.Asset
	for _, a := range l.acct.Assets() {
		if a.CurrencyID == l.req.CurrencyID && a.AssetType == model.AssetTypeFCash && a.Notional.IsPositive() && a.Maturity > l.req.BlockTime {
			held = append(held, a)
		}
	}

	for _, a := range held {
		if !l.remain.IsPositive() {
			return nil
		}
		m, err := market.LoadMaturity(ctx, l.v, l.cg, a.Maturity, l.req.BlockTime)
		var oracleRate int64
		if err == nil {
			oracleRate = m.OracleRate
		} else if oracleRate, err = market.OracleRate(ctx, l.v, l.cg, a.Maturity, l.req.BlockTime); err != nil {
			return err
		}

		value := func(notional decimal.Decimal) (price, benefit decimal.Decimal, err error) {
			pv, err := valuation.PresentValue(notional, a.Maturity, l.req.BlockTime, oracleRate+l.cg.LiquidationFCashHaircut())
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			rapv, err := valuation.RiskAdjustedPresentValue(l.cg, notional, a.Maturity, l.req.BlockTime, oracleRate)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			return l.cg.AssetRate.ConvertFromUnderlying(pv), l.cg.AssetRate.ConvertFromUnderlying(pv.Sub(rapv)), nil
		}

		notional := a.Notional
		price, benefit, err := value(notional)
		if err != nil {
			return err
		}
		if !benefit.IsPositive() {
			continue
		}
		if benefit.GreaterThan(l.remain) {
			notional = fp.MulDiv(a.Notional, l.remain, benefit)
			if price, benefit, err = value(notional); err != nil {
				return err
			}
		}
		if !notional.IsPositive() {
			continue
		}

		if err := l.acct.AddAsset(a.CurrencyID, a.Maturity, model.AssetTypeFCash, notional.Neg(), l.req.MaxAssets); err != nil {
			return err
		}
		if err := l.liq.AddAsset(a.CurrencyID, a.Maturity, model.AssetTypeFCash, notional, l.req.MaxAssets); err != nil {
			return err
		}
		l.res.FCashPurchased = l.res.FCashPurchased.Add(notional)
		l.res.LiquidatorCashPaid = l.res.LiquidatorCashPaid.Add(price)
		l.res.BalanceDelta = l.res.BalanceDelta.Add(price)
		l.remain = l.remain.Sub(benefit)
	}
	return nil
}

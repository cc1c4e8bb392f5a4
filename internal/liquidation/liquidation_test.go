package liquidation_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/store"
)

const (
	ref       = 200 * fp.Quarter
	blockTime = ref + 10*fp.Day
	m1        = ref + fp.Quarter
	m2        = ref + 2*fp.Quarter
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var unitRate = decimal.RequireFromString("1000000000000000000")

type rates struct{}

func (rates) AssetRate(context.Context, uint16) (decimal.Decimal, error) { return unitRate, nil }
func (rates) ETHRate(context.Context, uint16) (decimal.Decimal, error)   { return unitRate, nil }

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.Apply(context.Background(), &store.Batch{
		Currencies: []model.Currency{{ID: 1, Symbol: "cDAI", AssetToken: "cDAI", UnderlyingDecimals: 8, Haircut: 95, Buffer: 110, LiquidationDiscount: 106}},
		CashGroups: []model.CashGroupConfig{{
			CurrencyID:                 1,
			MaxMarketIndex:             2,
			RateOracleTimeWindow:       20 * 60,
			TotalFeeBps:                30,
			ReserveFeeShare:            30,
			DebtBufferBps:              150,
			FCashHaircutBps:            150,
			LiquidationFCashHaircutBps: 100,
			LiquidationDebtBufferBps:   100,
			MarginRewardRate:           20,
			LiquidityTokenHaircuts:     []int64{99, 98},
			RateScalars:                []int64{30, 25},
			RateAnchors:                []int64{50_000_000, 60_000_000},
		}},
		Markets: []model.Market{
			{CurrencyID: 1, Maturity: m1, TotalFCash: n(1_000e8), TotalAssetCash: n(1_000e8), TotalLiquidity: n(1_000e8), LastImpliedRate: 50_000_000, OracleRate: 50_000_000},
			{CurrencyID: 1, Maturity: m2, TotalFCash: n(1_000e8), TotalAssetCash: n(1_000e8), TotalLiquidity: n(1_000e8), LastImpliedRate: 60_000_000, OracleRate: 60_000_000},
		},
	}))
	return ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, name string, assets []model.Asset, cash decimal.Decimal) {
	t.Helper()
	var c model.AccountContext
	portfolio.ApplySummary(&c, portfolio.Summarize(assets))
	b := &store.Batch{}
	if !cash.IsZero() {
		portfolio.SetActiveCurrency(&c, 1, true, portfolio.InBalances)
		b.Balances = []model.BalanceState{{Account: name, CurrencyID: 1, StoredCashBalance: cash}}
	}
	b.Accounts = []store.AccountWrite{{Account: name, Context: c, Portfolio: assets}}
	require.NoError(t, ms.Apply(context.Background(), b))
}

func request(account, liquidator string) liquidation.Request {
	return liquidation.Request{Account: account, Liquidator: liquidator, CurrencyID: 1, BlockTime: blockTime, MaxAssets: 8}
}

func TestLiquidateLocalCurrency_WithdrawsTokens(t *testing.T) {
	ctx := context.Background()
	ms := seed(t)
	seedAccount(t, ms, "dave", []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-300e8)},
		{CurrencyID: 1, Maturity: m1, AssetType: model.LiquidityTokenType(1), Notional: n(100e8)},
	}, decimal.Zero)

	v := state.New(ms, blockTime)
	res, err := liquidation.LiquidateLocalCurrency(ctx, v, rates{}, rates{}, request("dave", "eve"))
	require.NoError(t, err)

	// The 1% token haircut releases 1e8; the liquidator keeps 20% of it.
	require.True(t, res.TokensWithdrawn.Equal(n(100e8)))
	require.True(t, res.IncentivePaid.Equal(n(20_000_000)))
	require.True(t, res.BalanceDelta.Equal(n(9_980_000_000)))
	require.True(t, res.FCashPurchased.IsZero())
	require.True(t, res.NetLocalBefore.LessThan(n(-100e8)))
	require.True(t, res.NetLocalAfter.GreaterThan(res.NetLocalBefore))

	_, err = v.Commit(ctx)
	require.NoError(t, err)

	mkt, err := ms.GetMarket(ctx, 1, m1)
	require.NoError(t, err)
	require.True(t, mkt.TotalLiquidity.Equal(n(900e8)))
	require.True(t, mkt.TotalAssetCash.Equal(n(900e8)))
	require.True(t, mkt.TotalFCash.Equal(n(900e8)))

	assets, err := ms.GetPortfolio(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, model.AssetTypeFCash, assets[0].AssetType)
	require.True(t, assets[0].Notional.Equal(n(-200e8)))

	bal, err := ms.GetBalance(ctx, "dave", 1)
	require.NoError(t, err)
	require.True(t, bal.StoredCashBalance.Equal(n(9_980_000_000)))
	bal, err = ms.GetBalance(ctx, "eve", 1)
	require.NoError(t, err)
	require.True(t, bal.StoredCashBalance.Equal(n(20_000_000)))

	events, err := ms.ListEvents(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventLiquidateLocal, events[0].Type)
}

func TestLiquidateLocalCurrency_PurchasesfCash(t *testing.T) {
	ctx := context.Background()
	ms := seed(t)
	seedAccount(t, ms, "frank", []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-600e8)},
		{CurrencyID: 1, Maturity: m2, AssetType: model.AssetTypeFCash, Notional: n(500e8)},
	}, decimal.Zero)
	seedAccount(t, ms, "gina", nil, n(1_000e8))

	v := state.New(ms, blockTime)
	res, err := liquidation.LiquidateLocalCurrency(ctx, v, rates{}, rates{}, request("frank", "gina"))
	require.NoError(t, err)

	// Priced at 7% against a 7.5% haircut valuation: about 483.7e8 for 500e8.
	require.True(t, res.TokensWithdrawn.IsZero())
	require.True(t, res.FCashPurchased.Equal(n(500e8)))
	require.True(t, res.LiquidatorCashPaid.GreaterThan(n(483e8)))
	require.True(t, res.LiquidatorCashPaid.LessThan(n(484e8)))
	require.True(t, res.BalanceDelta.Equal(res.LiquidatorCashPaid))
	require.True(t, res.NetLocalAfter.GreaterThan(res.NetLocalBefore))

	_, err = v.Commit(ctx)
	require.NoError(t, err)

	assets, err := ms.GetPortfolio(ctx, "gina")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, m2, assets[0].Maturity)
	require.True(t, assets[0].Notional.Equal(n(500e8)))

	assets, err = ms.GetPortfolio(ctx, "frank")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, m1, assets[0].Maturity)

	bal, err := ms.GetBalance(ctx, "gina", 1)
	require.NoError(t, err)
	require.True(t, bal.StoredCashBalance.Equal(n(1_000e8).Sub(res.LiquidatorCashPaid)))
}

func TestLiquidateLocalCurrency_LiquidatorNeedsCollateral(t *testing.T) {
	ms := seed(t)
	seedAccount(t, ms, "frank", []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-600e8)},
		{CurrencyID: 1, Maturity: m2, AssetType: model.AssetTypeFCash, Notional: n(500e8)},
	}, decimal.Zero)

	v := state.New(ms, blockTime)
	_, err := liquidation.LiquidateLocalCurrency(context.Background(), v, rates{}, rates{}, request("frank", "hank"))
	require.ErrorIs(t, err, model.ErrInsufficientFreeCollateral)
}

func TestLiquidateLocalCurrency_Rejects(t *testing.T) {
	ms := seed(t)
	seedAccount(t, ms, "ivy", []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-50e8)},
	}, n(100e8))
	seedAccount(t, ms, "jack", []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-300e8)},
	}, decimal.Zero)

	tests := []struct {
		name string
		req  liquidation.Request
	}{
		{"healthy account", request("ivy", "eve")},
		{"self liquidation", request("jack", "jack")},
		{"nothing to liquidate", request("jack", "eve")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := state.New(ms, blockTime)
			_, err := liquidation.LiquidateLocalCurrency(context.Background(), v, rates{}, rates{}, tt.req)
			require.ErrorIs(t, err, model.ErrCannotLiquidate)
		})
	}
}

package valuation_test

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/cashgroup"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/valuation"
)

const (
	ref       = 200 * fp.Quarter
	blockTime = ref + 10*fp.Day
	m1        = ref + fp.Quarter
	m2        = ref + 2*fp.Quarter
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var unitRate = decimal.RequireFromString("1000000000000000000")

type rates struct{ eth decimal.Decimal }

func (r rates) AssetRate(context.Context, uint16) (decimal.Decimal, error) { return unitRate, nil }
func (r rates) ETHRate(context.Context, uint16) (decimal.Decimal, error)   { return r.eth, nil }

func testCurrency() model.Currency {
	return model.Currency{ID: 1, Symbol: "cDAI", AssetToken: "cDAI", UnderlyingDecimals: 8, Haircut: 95, Buffer: 110, LiquidationDiscount: 106}
}

func testConfig() model.CashGroupConfig {
	return model.CashGroupConfig{
		CurrencyID:                 1,
		MaxMarketIndex:             3,
		RateOracleTimeWindow:       20 * 60,
		TotalFeeBps:                30,
		ReserveFeeShare:            30,
		DebtBufferBps:              150,
		FCashHaircutBps:            150,
		LiquidationFCashHaircutBps: 100,
		LiquidationDebtBufferBps:   100,
		MarginRewardRate:           20,
		LiquidityTokenHaircuts:     []int64{99, 98, 97},
		RateScalars:                []int64{30, 25, 20},
		RateAnchors:                []int64{50_000_000, 55_000_000, 60_000_000},
	}
}

func testGroup() *cashgroup.CashGroup {
	return &cashgroup.CashGroup{
		Config:    testConfig(),
		Currency:  testCurrency(),
		AssetRate: assetrate.AssetRate{CurrencyID: 1, Rate: unitRate, UnderlyingDecimals: 8},
	}
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.Apply(context.Background(), &store.Batch{
		Currencies: []model.Currency{testCurrency()},
		CashGroups: []model.CashGroupConfig{testConfig()},
		Markets: []model.Market{
			{CurrencyID: 1, Maturity: m1, TotalFCash: n(1_000e8), TotalAssetCash: n(1_000e8), TotalLiquidity: n(1_000e8), LastImpliedRate: 50_000_000, OracleRate: 50_000_000},
			{CurrencyID: 1, Maturity: m2, TotalFCash: n(1_000e8), TotalAssetCash: n(1_000e8), TotalLiquidity: n(1_000e8), LastImpliedRate: 60_000_000, OracleRate: 60_000_000},
		},
	}))
	return ms
}

func TestDiscountFactor(t *testing.T) {
	df, err := valuation.DiscountFactor(50_000_000, fp.Year)
	require.NoError(t, err)
	require.InDelta(t, math.Exp(-0.05)*1e9, float64(df), 2)

	df, err = valuation.DiscountFactor(50_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, fp.RatePrecision, df)
}

func TestRiskAdjustedPresentValue_Ordering(t *testing.T) {
	cg := testGroup()
	maturity := blockTime + 200*fp.Day
	for _, notional := range []int64{1_000e8, -1_000e8, 7, -7} {
		pv, err := valuation.PresentValue(n(notional), maturity, blockTime, 50_000_000)
		require.NoError(t, err)
		rapv, err := valuation.RiskAdjustedPresentValue(cg, n(notional), maturity, blockTime, 50_000_000)
		require.NoError(t, err)
		require.True(t, rapv.LessThanOrEqual(pv), "notional %d: rapv %s > pv %s", notional, rapv, pv)
		if notional < 0 {
			require.True(t, rapv.Abs().GreaterThanOrEqual(pv.Abs()))
		}
	}
}

func TestRiskAdjustedPresentValue_DebtFlooredAtNotional(t *testing.T) {
	// A 150bp buffer on a 1% oracle rate would discount at a negative rate.
	rapv, err := valuation.RiskAdjustedPresentValue(testGroup(), n(-1_000e8), blockTime+fp.Year, blockTime, 10_000_000)
	require.NoError(t, err)
	require.True(t, rapv.Equal(n(-1_000e8)))
}

func TestConvertToETH(t *testing.T) {
	rate := decimal.RequireFromString("10000000000000000") // 0.01 ETH
	require.True(t, valuation.ConvertToETH(testCurrency(), n(100e8), rate).Equal(n(95_000_000)))
	require.True(t, valuation.ConvertToETH(testCurrency(), n(-100e8), rate).Equal(n(-110_000_000)))
}

func TestPortfolioValue_TokenClaimNetsIntofCash(t *testing.T) {
	ctx := context.Background()
	v := state.New(seed(t), blockTime)
	assets := []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-100e8)},
		{CurrencyID: 1, Maturity: m1, AssetType: model.LiquidityTokenType(1), Notional: n(100e8)},
	}

	val, err := valuation.PortfolioValue(ctx, v, testGroup(), assets, blockTime, false)
	require.NoError(t, err)
	require.True(t, val.AssetCash.Equal(n(100e8)))
	require.True(t, val.PV.IsZero(), "pv %s", val.PV)

	// The 99% haircut leaves 1e8 of the liability uncovered.
	val, err = valuation.PortfolioValue(ctx, v, testGroup(), assets, blockTime, true)
	require.NoError(t, err)
	require.True(t, val.AssetCash.Equal(n(99e8)))
	require.True(t, val.PV.IsNegative())
	require.True(t, val.PV.GreaterThan(n(-1e8)))
}

func TestPortfolioValue_IdiosyncraticMaturityInterpolates(t *testing.T) {
	ctx := context.Background()
	v := state.New(seed(t), blockTime)
	maturity := m1 + 45*fp.Day
	assets := []model.Asset{{CurrencyID: 1, Maturity: maturity, AssetType: model.AssetTypeFCash, Notional: n(1_000e8)}}

	val, err := valuation.PortfolioValue(ctx, v, testGroup(), assets, blockTime, false)
	require.NoError(t, err)
	want, err := valuation.PresentValue(n(1_000e8), maturity, blockTime, 55_000_000)
	require.NoError(t, err)
	require.True(t, val.PV.Equal(want), "pv %s, want %s", val.PV, want)
}

func TestFreeCollateral_RecomputesDebtFlags(t *testing.T) {
	ctx := context.Background()
	ms := seed(t)
	require.NoError(t, ms.Apply(ctx, &store.Batch{
		Accounts: []store.AccountWrite{{
			Account: "alice",
			Context: model.AccountContext{
				NextSettleTime:   m1,
				HasDebt:          model.CashDebt,
				ActiveCurrencies: []model.ActiveCurrency{{ID: 1, InPortfolio: true, InBalances: true}},
			},
			Portfolio: []model.Asset{{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(-50e8)}},
		}},
		Balances: []model.BalanceState{{Account: "alice", CurrencyID: 1, StoredCashBalance: n(100e8)}},
	}))

	v := state.New(ms, blockTime)
	res, err := valuation.FreeCollateral(ctx, v, rates{eth: unitRate}, rates{eth: unitRate}, "alice", blockTime)
	require.NoError(t, err)
	require.Len(t, res.Currencies, 1)
	require.True(t, res.Currencies[0].NetLocal.GreaterThan(n(50e8)))
	require.True(t, res.Currencies[0].NetLocal.LessThan(n(51e8)))
	require.True(t, res.FreeCollateral.IsPositive())
	require.Equal(t, model.AssetDebt, res.HasDebt)

	acct, err := v.Account(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, model.AssetDebt, acct.Context.HasDebt)
}

func TestFreeCollateral_Insolvent(t *testing.T) {
	ctx := context.Background()
	ms := seed(t)
	require.NoError(t, ms.Apply(ctx, &store.Batch{
		Accounts: []store.AccountWrite{{
			Account: "bob",
			Context: model.AccountContext{
				NextSettleTime:   m2,
				ActiveCurrencies: []model.ActiveCurrency{{ID: 1, InPortfolio: true, InBalances: true}},
			},
			Portfolio: []model.Asset{{CurrencyID: 1, Maturity: m2, AssetType: model.AssetTypeFCash, Notional: n(50e8)}},
		}},
		Balances: []model.BalanceState{{Account: "bob", CurrencyID: 1, StoredCashBalance: n(-100e8)}},
	}))

	v := state.New(ms, blockTime)
	res, err := valuation.FreeCollateral(ctx, v, rates{eth: unitRate}, rates{eth: unitRate}, "bob", blockTime)
	require.NoError(t, err)
	require.True(t, res.FreeCollateral.IsNegative())
	require.Equal(t, model.CashDebt, res.HasDebt)
}

func TestTotalUnderlyingValue_NoHaircuts(t *testing.T) {
	ctx := context.Background()
	ms := seed(t)
	require.NoError(t, ms.Apply(ctx, &store.Batch{
		Accounts: []store.AccountWrite{{
			Account:   "carol",
			Context:   model.AccountContext{ActiveCurrencies: []model.ActiveCurrency{{ID: 1, InPortfolio: true}}},
			Portfolio: []model.Asset{{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(100e8)}},
		}},
	}))
	v := state.New(ms, blockTime)

	values, err := valuation.TotalUnderlyingValue(ctx, v, rates{}, "carol", blockTime)
	require.NoError(t, err)
	require.Len(t, values, 1)
	want, err := valuation.PresentValue(n(100e8), m1, blockTime, 50_000_000)
	require.NoError(t, err)
	require.True(t, values[0].NetUnderlying.Equal(want))
}

package settlement_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/settlement"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/store"
)

const (
	ref = 200 * fp.Quarter
	m1  = ref + fp.Quarter
	m2  = ref + 2*fp.Quarter
	// One day after the first market matured.
	settleTime = m1 + fp.Day
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeOracle struct{ rate decimal.Decimal }

func (o *fakeOracle) AssetRate(context.Context, uint16) (decimal.Decimal, error) {
	return o.rate, nil
}

// Two underlying per asset unit.
func newOracle() *fakeOracle {
	return &fakeOracle{rate: decimal.RequireFromString("2000000000000000000")}
}

func seedRegistry(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	require.NoError(t, ms.Apply(context.Background(), &store.Batch{
		Currencies: []model.Currency{{ID: 1, Symbol: "cDAI", AssetToken: "cDAI", UnderlyingDecimals: 8, Haircut: 95, Buffer: 110, LiquidationDiscount: 106}},
		Markets: []model.Market{
			{CurrencyID: 1, Maturity: m1, TotalFCash: n(10_000e8), TotalAssetCash: n(20_000e8), TotalLiquidity: n(20_000e8)},
			{CurrencyID: 1, Maturity: m2, TotalFCash: n(10_000e8), TotalAssetCash: n(20_000e8), TotalLiquidity: n(20_000e8)},
		},
	}))
}

func seedArrayAccount(t *testing.T, ms *store.MemoryStore, assets []model.Asset) {
	t.Helper()
	var c model.AccountContext
	portfolio.ApplySummary(&c, portfolio.Summarize(assets))
	require.NoError(t, ms.Apply(context.Background(), &store.Batch{
		Accounts: []store.AccountWrite{{Account: "alice", Context: c, Portfolio: assets}},
	}))
}

func arrayAssets() []model.Asset {
	return []model.Asset{
		{CurrencyID: 1, Maturity: m1, AssetType: model.AssetTypeFCash, Notional: n(100e8)},
		{CurrencyID: 1, Maturity: m1, AssetType: model.LiquidityTokenType(1), Notional: n(1_000e8)},
		{CurrencyID: 1, Maturity: m2, AssetType: model.AssetTypeFCash, Notional: n(-50e8)},
		{CurrencyID: 1, Maturity: m2, AssetType: model.LiquidityTokenType(2), Notional: n(1_000e8)},
	}
}

func TestSettlePortfolio(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedRegistry(t, ms)
	v := state.New(ms, settleTime)

	amounts, remaining, err := settlement.SettlePortfolio(ctx, v, newOracle(), arrayAssets(), settleTime)
	require.NoError(t, err)

	// fCash 100e8 -> 50e8; matured token: cash 1000e8 + fCash 500e8 -> 250e8;
	// pending token: cash 1000e8.
	require.Len(t, amounts, 1)
	require.Equal(t, uint16(1), amounts[0].CurrencyID)
	require.True(t, amounts[0].AssetCash.Equal(n(2_300e8)), "settled %s", amounts[0].AssetCash)

	// The pending token's 500e8 fCash claim nets against the -50e8 held.
	require.Len(t, remaining, 1)
	require.Equal(t, m2, remaining[0].Maturity)
	require.Equal(t, model.AssetTypeFCash, remaining[0].AssetType)
	require.True(t, remaining[0].Notional.Equal(n(450e8)))

	for _, mat := range []int64{m1, m2} {
		mkt, err := v.Market(ctx, 1, mat)
		require.NoError(t, err)
		require.True(t, mkt.TotalFCash.Equal(n(9_500e8)), "market %d fCash %s", mat, mkt.TotalFCash)
		require.True(t, mkt.TotalAssetCash.Equal(n(19_000e8)))
		require.True(t, mkt.TotalLiquidity.Equal(n(19_000e8)))
	}
}

func TestSettleAccount_Idempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedRegistry(t, ms)
	seedArrayAccount(t, ms, arrayAssets())
	oracle := newOracle()

	v := state.New(ms, settleTime)
	changed, err := settlement.SettleAccount(ctx, v, oracle, "alice", settleTime)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = v.Commit(ctx)
	require.NoError(t, err)

	bal, err := ms.GetBalance(ctx, "alice", 1)
	require.NoError(t, err)
	require.True(t, bal.StoredCashBalance.Equal(n(2_300e8)))

	ac, err := ms.GetAccountContext(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, m2, ac.NextSettleTime)
	require.False(t, ac.HasDebt.HasAssetDebt())
	require.Equal(t, []model.ActiveCurrency{{ID: 1, InPortfolio: true, InBalances: true}}, ac.ActiveCurrencies)

	// A different live rate must not move the frozen one.
	oracle.rate = decimal.RequireFromString("4000000000000000000")
	v = state.New(ms, settleTime)
	changed, err = settlement.SettleAccount(ctx, v, oracle, "alice", settleTime)
	require.NoError(t, err)
	require.False(t, changed)
	b, err := v.Commit(ctx)
	require.NoError(t, err)
	require.True(t, b.Empty())

	sr, err := ms.GetSettlementRate(ctx, 1, m1)
	require.NoError(t, err)
	require.True(t, sr.Rate.Equal(decimal.RequireFromString("2000000000000000000")))

	events, err := ms.ListEvents(ctx, "")
	require.NoError(t, err)
	var rateEvents int
	for _, e := range events {
		if e.Type == model.EventSetSettlementRate {
			rateEvents++
		}
	}
	require.Equal(t, 1, rateEvents)
}

func TestSettleAccount_NothingDue(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedRegistry(t, ms)
	seedArrayAccount(t, ms, arrayAssets())

	v := state.New(ms, m1-fp.Day)
	changed, err := settlement.SettleAccount(ctx, v, newOracle(), "alice", m1-fp.Day)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSettleAccount_Bitmap(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedRegistry(t, ms)

	start := m1 - 10*fp.Day
	bp := portfolio.NewBitmap(1, start)
	require.NoError(t, portfolio.SetfCashAsset(bp, m1, n(100e8)))
	require.NoError(t, portfolio.SetfCashAsset(bp, m2, n(-40e8)))
	require.NoError(t, ms.Apply(ctx, &store.Batch{Accounts: []store.AccountWrite{{
		Account: "bob",
		Context: model.AccountContext{BitmapCurrencyID: 1, HasDebt: model.AssetDebt, ActiveCurrencies: []model.ActiveCurrency{{ID: 1, InPortfolio: true}}},
		Bitmap:  bp,
	}}}))

	v := state.New(ms, settleTime)
	changed, err := settlement.SettleAccount(ctx, v, newOracle(), "bob", settleTime)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = v.Commit(ctx)
	require.NoError(t, err)

	got, err := ms.GetBitmap(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, settleTime-settleTime%fp.Day, got.ReferenceTime)
	assets := portfolio.GetifCashArray(got)
	require.Len(t, assets, 1)
	require.Equal(t, m2, assets[0].Maturity)
	require.True(t, assets[0].Notional.Equal(n(-40e8)))

	bal, err := ms.GetBalance(ctx, "bob", 1)
	require.NoError(t, err)
	require.True(t, bal.StoredCashBalance.Equal(n(50e8)))

	ac, err := ms.GetAccountContext(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, ac.NextSettleTime)
	require.True(t, ac.HasDebt.HasAssetDebt())

	v = state.New(ms, settleTime)
	changed, err = settlement.SettleAccount(ctx, v, newOracle(), "bob", settleTime)
	require.NoError(t, err)
	require.False(t, changed)
}

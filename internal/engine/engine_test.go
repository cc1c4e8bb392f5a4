package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fcash-engine/internal/correlation"
	"github.com/atmx/fcash-engine/internal/engine"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
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

// ledger credits every transfer in full.
type ledger struct {
	mu  sync.Mutex
	in  decimal.Decimal
	out decimal.Decimal
}

func (l *ledger) TransferIn(_ context.Context, _, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = l.in.Add(amount)
	return amount, nil
}

func (l *ledger) TransferOut(_ context.Context, _, _ string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = l.out.Add(amount)
	return nil
}

type publisher struct {
	events  []model.Event
	markets []model.Market
}

func (p *publisher) Publish(_ context.Context, events []model.Event, markets []model.Market) error {
	p.events = append(p.events, events...)
	p.markets = append(p.markets, markets...)
	return nil
}

var currency = model.Currency{ID: 1, Symbol: "cDAI", AssetToken: "cDAI", UnderlyingToken: "DAI", UnderlyingDecimals: 8, Haircut: 95, Buffer: 110, LiquidationDiscount: 106}

func cashGroup() model.CashGroupConfig {
	return model.CashGroupConfig{
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
	}
}

type fixture struct {
	svc    *engine.Service
	store  *store.MemoryStore
	ledger *ledger
	pub    *publisher
}

// newFixture lists currency 1 and seeds both markets with 1000 cash and
// 1000 fCash from "lp".
func newFixture(t *testing.T, opts engine.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemoryStore(), ledger: &ledger{}, pub: &publisher{}}
	f.svc = engine.NewService(f.store, rates{}, f.ledger, f.pub, opts)

	require.NoError(t, f.svc.ListCurrency(ctx, currency, cashGroup(), blockTime))
	_, err := f.svc.Deposit(ctx, "lp", 1, n(5_000e8), blockTime)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := f.svc.InitializeMarket(ctx, engine.InitializeMarketRequest{
			Account: "lp", CurrencyID: 1, MarketIndex: i, AssetCash: n(1_000e8), FCash: n(1_000e8), BlockTime: blockTime,
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := f.svc.GetBalance(context.Background(), account, 1)
	require.NoError(t, err)
	return b.StoredCashBalance
}

func (f *fixture) deposit(t *testing.T, account string, amount int64) {
	t.Helper()
	_, err := f.svc.Deposit(context.Background(), account, 1, n(amount), blockTime)
	require.NoError(t, err)
}

// ===========================================================================
// Registry
// ===========================================================================

func TestInitializeMarket_SeedsMarketAndProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	markets, err := f.svc.GetActiveMarkets(ctx, 1, blockTime)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.Equal(t, m1, markets[0].Maturity)
	require.Equal(t, int64(50_000_000), markets[0].LastImpliedRate)
	require.Equal(t, int64(60_000_000), markets[1].LastImpliedRate)

	assets, err := f.svc.GetAccountPortfolio(ctx, "lp")
	require.NoError(t, err)
	require.Len(t, assets, 4)
	require.True(t, assets[0].Notional.Equal(n(-1_000e8)))
	require.True(t, assets[1].Notional.Equal(n(1_000e8)))

	require.True(t, f.balance(t, "lp").Equal(n(3_000e8)))
	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	err := f.svc.ListCurrency(ctx, currency, cashGroup(), blockTime)
	require.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = f.svc.InitializeMarket(ctx, engine.InitializeMarketRequest{
		Account: "lp", CurrencyID: 1, MarketIndex: 1, AssetCash: n(10e8), FCash: n(10e8), BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestInitializeMarket_RequiresCash(t *testing.T) {
	ctx := context.Background()
	f := &fixture{store: store.NewMemoryStore(), ledger: &ledger{}, pub: &publisher{}}
	f.svc = engine.NewService(f.store, rates{}, f.ledger, nil, engine.Options{})
	require.NoError(t, f.svc.ListCurrency(ctx, currency, cashGroup(), blockTime))

	_, err := f.svc.InitializeMarket(ctx, engine.InitializeMarketRequest{
		Account: "broke", CurrencyID: 1, MarketIndex: 1, AssetCash: n(10e8), FCash: n(10e8), BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrInsufficientCash)

	_, err = f.svc.GetMarket(ctx, 1, m1, blockTime)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateCashGroup_UnknownCurrency(t *testing.T) {
	f := newFixture(t, engine.Options{})
	cfg := cashGroup()
	cfg.CurrencyID = 9
	err := f.svc.UpdateCashGroup(context.Background(), cfg, blockTime)
	require.ErrorIs(t, err, model.ErrNotFound)
}

// ===========================================================================
// Deposits and withdrawals
// ===========================================================================

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "alice", 100e8)

	require.ErrorIs(t, f.svc.Withdraw(ctx, "alice", 1, n(-1), blockTime), model.ErrNegativeWithdraw)
	require.ErrorIs(t, f.svc.Withdraw(ctx, "alice", 1, n(101e8), blockTime), model.ErrInsufficientCash)

	require.NoError(t, f.svc.Withdraw(ctx, "alice", 1, n(40e8), blockTime))
	require.True(t, f.balance(t, "alice").Equal(n(60e8)))
	require.True(t, f.ledger.out.Equal(n(40e8)))
}

func TestDeposit_RejectsReserveAndZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	_, err := f.svc.Deposit(ctx, model.ReserveAccount, 1, n(1e8), blockTime)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	_, err = f.svc.Deposit(ctx, "alice", 1, decimal.Zero, blockTime)
	require.ErrorIs(t, err, model.ErrNegativeAmount)
	_, err = f.svc.Deposit(ctx, "alice", 7, n(1e8), blockTime)
	require.ErrorIs(t, err, model.ErrNotFound)
}

// ===========================================================================
// Trading
// ===========================================================================

func TestTrade_Lend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "alice", 100e8)

	resp, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "alice", CurrencyID: 1, MarketIndex: 1, FCashAmount: n(50e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
	require.Equal(t, m1, resp.Maturity)
	require.True(t, resp.AssetCashToAccount.IsNegative())
	require.True(t, resp.AssetCashToAccount.GreaterThan(n(-50e8)))
	require.True(t, resp.AssetCashToReserve.IsPositive())
	require.Positive(t, resp.ExecutionRate)

	require.True(t, f.balance(t, "alice").Equal(n(100e8).Add(resp.AssetCashToAccount)))
	require.True(t, f.balance(t, model.ReserveAccount).Equal(resp.AssetCashToReserve))

	assets, err := f.svc.GetAccountPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, m1, assets[0].Maturity)
	require.Equal(t, model.AssetTypeFCash, assets[0].AssetType)
	require.True(t, assets[0].Notional.Equal(n(50e8)))

	mkt, err := f.svc.GetMarket(ctx, 1, m1, blockTime+20*60)
	require.NoError(t, err)
	require.True(t, mkt.TotalFCash.Equal(n(950e8)))
	require.Equal(t, mkt.LastImpliedRate, mkt.OracleRate)

	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))

	require.NotEmpty(t, f.pub.events)
	last := f.pub.events[len(f.pub.events)-1]
	require.Equal(t, model.EventTrade, last.Type)
	require.Equal(t, "alice", last.Account)

	events, err := f.svc.ListEvents(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventDeposit, events[0].Type)
}

func TestTrade_BorrowThenWithdrawCollateral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "bob", 100e8)

	resp, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "bob", CurrencyID: 1, MarketIndex: 2, FCashAmount: n(-50e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
	require.True(t, resp.AssetCashToAccount.IsPositive())
	require.True(t, resp.AssetCashToAccount.LessThan(n(50e8)))

	fc, err := f.svc.GetFreeCollateral(ctx, "bob", blockTime)
	require.NoError(t, err)
	require.True(t, fc.FreeCollateral.IsPositive())

	ac, err := f.svc.GetAccountContext(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ac.HasDebt.HasAssetDebt())

	// Withdrawing almost everything leaves the debt uncovered.
	err = f.svc.Withdraw(ctx, "bob", 1, n(140e8), blockTime)
	require.ErrorIs(t, err, model.ErrInsufficientFreeCollateral)
	require.True(t, f.ledger.out.IsZero())

	require.NoError(t, f.svc.Withdraw(ctx, "bob", 1, n(10e8), blockTime))
	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))
}

func TestTrade_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "carol", 100e8)

	tests := []struct {
		name string
		req  engine.TradeRequest
		want error
	}{
		{"slippage", engine.TradeRequest{MarketIndex: 1, FCashAmount: n(10e8), MinImpliedRate: 900_000_000}, model.ErrSlippageExceeded},
		{"bad market index", engine.TradeRequest{MarketIndex: 3, FCashAmount: n(10e8)}, model.ErrInvalidMarket},
		{"drains market", engine.TradeRequest{MarketIndex: 1, FCashAmount: n(1_000e8)}, model.ErrInsufficientLiquidity},
		{"zero", engine.TradeRequest{MarketIndex: 1, FCashAmount: decimal.Zero}, model.ErrNegativeAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Account, req.CurrencyID, req.BlockTime = "carol", 1, blockTime
			_, err := f.svc.Trade(ctx, req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.True(t, f.balance(t, "carol").Equal(n(100e8)))
}

func TestTrade_PositionLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{
		Limiter: correlation.NewPositionLimiter(n(10e8), decimal.Zero, 0),
	})
	f.deposit(t, "zed", 100e8)

	_, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "zed", CurrencyID: 1, MarketIndex: 1, FCashAmount: n(50e8), BlockTime: blockTime,
	})
	require.True(t, errors.Is(err, model.ErrPositionLimit))
	require.Equal(t, "PositionLimitExceeded", model.Code(err))
	require.True(t, f.balance(t, "zed").Equal(n(100e8)))

	_, err = f.svc.Trade(ctx, engine.TradeRequest{
		Account: "zed", CurrencyID: 1, MarketIndex: 1, FCashAmount: n(5e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
}

// ===========================================================================
// Liquidity
// ===========================================================================

func TestLiquidity_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "erin", 100e8)

	added, err := f.svc.AddLiquidity(ctx, engine.LiquidityRequest{
		Account: "erin", CurrencyID: 1, MarketIndex: 1, AssetCash: n(50e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
	require.True(t, added.Tokens.Equal(n(50e8)))
	require.True(t, added.FCash.Equal(n(-50e8)))
	require.True(t, f.balance(t, "erin").Equal(n(50e8)))
	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))

	removed, err := f.svc.RemoveLiquidity(ctx, engine.LiquidityRequest{
		Account: "erin", CurrencyID: 1, MarketIndex: 1, Tokens: n(50e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
	require.True(t, removed.AssetCash.Equal(n(50e8)))
	require.True(t, removed.FCash.Equal(n(50e8)))
	require.True(t, f.balance(t, "erin").Equal(n(100e8)))

	assets, err := f.svc.GetAccountPortfolio(ctx, "erin")
	require.NoError(t, err)
	require.Empty(t, assets)
	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))
}

func TestRemoveLiquidity_MoreThanHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	_, err := f.svc.RemoveLiquidity(ctx, engine.LiquidityRequest{
		Account: "erin", CurrencyID: 1, MarketIndex: 1, Tokens: n(1e8), BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrNegativeAmount)

	_, err = f.svc.RemoveLiquidity(ctx, engine.LiquidityRequest{
		Account: "erin", CurrencyID: 1, MarketIndex: 1, Tokens: n(-1), BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrNegativeAmount)
}

// ===========================================================================
// Settlement
// ===========================================================================

func TestSettleAccount_AfterMaturity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "alice", 100e8)
	_, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "alice", CurrencyID: 1, MarketIndex: 1, FCashAmount: n(50e8), BlockTime: blockTime,
	})
	require.NoError(t, err)
	before := f.balance(t, "alice")

	early, err := f.svc.SettleAccount(ctx, "alice", blockTime)
	require.NoError(t, err)
	require.False(t, early)

	later := m1 + fp.Day
	settled, err := f.svc.SettleAccount(ctx, "alice", later)
	require.NoError(t, err)
	require.True(t, settled)
	require.True(t, f.balance(t, "alice").Equal(before.Add(n(50e8))))

	assets, err := f.svc.GetAccountPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, assets)

	rate, err := f.svc.GetSettlementRate(ctx, 1, m1)
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(unitRate))

	again, err := f.svc.SettleAccount(ctx, "alice", later)
	require.NoError(t, err)
	require.False(t, again)
	require.True(t, f.balance(t, "alice").Equal(before.Add(n(50e8))))

	markets, err := f.svc.GetActiveMarkets(ctx, 1, later)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	require.Equal(t, m2, markets[0].Maturity)
	require.NoError(t, f.svc.CheckConservation(ctx, later))
}

// ===========================================================================
// Bitmap accounts
// ===========================================================================

func TestEnableBitmapCurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	require.NoError(t, f.svc.EnableBitmapCurrency(ctx, "dan", 1, blockTime))
	f.deposit(t, "dan", 100e8)
	_, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "dan", CurrencyID: 1, MarketIndex: 2, FCashAmount: n(20e8), BlockTime: blockTime,
	})
	require.NoError(t, err)

	ac, err := f.svc.GetAccountContext(ctx, "dan")
	require.NoError(t, err)
	require.Equal(t, uint16(1), ac.BitmapCurrencyID)

	stored, err := f.store.GetPortfolio(ctx, "dan")
	require.NoError(t, err)
	require.Empty(t, stored)

	assets, err := f.svc.GetAccountPortfolio(ctx, "dan")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, m2, assets[0].Maturity)
	require.True(t, assets[0].Notional.Equal(n(20e8)))
	require.NoError(t, f.svc.CheckConservation(ctx, blockTime))

	// lp holds fCash and tokens in the array portfolio.
	err = f.svc.EnableBitmapCurrency(ctx, "lp", 1, blockTime)
	require.ErrorIs(t, err, model.ErrBitmapCurrency)
}

// ===========================================================================
// Liquidation
// ===========================================================================

func TestLiquidateLocalCurrency_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	f.deposit(t, "bob", 100e8)
	_, err := f.svc.Trade(ctx, engine.TradeRequest{
		Account: "bob", CurrencyID: 1, MarketIndex: 1, FCashAmount: n(-20e8), BlockTime: blockTime,
	})
	require.NoError(t, err)

	_, err = f.svc.LiquidateLocalCurrency(ctx, engine.LiquidateRequest{
		Account: "bob", Liquidator: "lp", CurrencyID: 1, BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrCannotLiquidate)

	_, err = f.svc.LiquidateLocalCurrency(ctx, engine.LiquidateRequest{
		Account: "bob", Liquidator: model.ReserveAccount, CurrencyID: 1, BlockTime: blockTime,
	})
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

package portfolio

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

const blockTime int64 = 1_700_000_000

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func maturity(i int) int64 { return datetime.MarketMaturity(i, blockTime) }

// --- Array portfolio ---

func TestAddAsset_MergesByKey(t *testing.T) {
	s := BuildState(nil, 0)
	if err := s.AddAsset(1, maturity(1), model.AssetTypeFCash, n(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddAsset(1, maturity(1), model.AssetTypeFCash, n(-40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	live := s.Live()
	if len(live) != 1 || !live[0].Notional.Equal(n(60)) {
		t.Fatalf("expected single asset of 60, got %+v", live)
	}
}

func TestAddAsset_NetZeroIsDropped(t *testing.T) {
	s := BuildState([]model.Asset{{CurrencyID: 1, Maturity: maturity(1), AssetType: model.AssetTypeFCash, Notional: n(100)}}, 0)
	if err := s.AddAsset(1, maturity(1), model.AssetTypeFCash, n(-100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assets, sum, err := s.Store()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 0 || sum.NextSettleTime != 0 {
		t.Errorf("expected empty portfolio, got %+v (next settle %d)", assets, sum.NextSettleTime)
	}
}

func TestAddAsset_LiquidityTokenCannotGoNegative(t *testing.T) {
	s := BuildState(nil, 0)
	lt := model.LiquidityTokenType(1)
	if err := s.AddAsset(1, maturity(1), lt, n(-1)); !errors.Is(err, model.ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
	_ = s.AddAsset(1, maturity(1), lt, n(10))
	if err := s.AddAsset(1, maturity(1), lt, n(-11)); !errors.Is(err, model.ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestAddAsset_InvalidType(t *testing.T) {
	s := BuildState(nil, 0)
	if err := s.AddAsset(1, maturity(1), model.AssetType(9), n(1)); !errors.Is(err, model.ErrInvalidMarket) {
		t.Errorf("expected ErrInvalidMarket, got %v", err)
	}
}

func TestStore_SortedByKey(t *testing.T) {
	s := BuildState(nil, 0)
	_ = s.AddAsset(2, maturity(1), model.AssetTypeFCash, n(5))
	_ = s.AddAsset(1, maturity(2), model.LiquidityTokenType(2), n(5))
	_ = s.AddAsset(1, maturity(2), model.AssetTypeFCash, n(-5))
	_ = s.AddAsset(1, maturity(1), model.AssetTypeFCash, n(5))

	assets, sum, err := s.Store()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(assets); i++ {
		if !assets[i-1].Less(assets[i]) {
			t.Errorf("assets not sorted at %d: %+v then %+v", i, assets[i-1], assets[i])
		}
	}
	if !sum.HasAssetDebt {
		t.Error("negative fCash should set asset debt")
	}
	if len(sum.Currencies) != 2 || sum.Currencies[0] != 1 || sum.Currencies[1] != 2 {
		t.Errorf("currencies = %v", sum.Currencies)
	}
	// The 6 month liquidity token settles one quarter after listing.
	if want := datetime.LiquidityTokenSettlementDate(maturity(2), 2); sum.NextSettleTime != want {
		t.Errorf("next settle = %d, want %d", sum.NextSettleTime, want)
	}
}

func TestStore_OverMaxAssets(t *testing.T) {
	s := BuildState(nil, 2)
	for i := 1; i <= 3; i++ {
		_ = s.AddAsset(1, maturity(i), model.AssetTypeFCash, n(1))
	}
	if _, _, err := s.Store(); !errors.Is(err, model.ErrOverMaxAssets) {
		t.Errorf("expected ErrOverMaxAssets, got %v", err)
	}
}

func TestDeleteAsset(t *testing.T) {
	s := BuildState([]model.Asset{
		{CurrencyID: 1, Maturity: maturity(1), AssetType: model.AssetTypeFCash, Notional: n(1)},
		{CurrencyID: 1, Maturity: maturity(2), AssetType: model.AssetTypeFCash, Notional: n(2)},
	}, 0)
	if err := s.DeleteAsset(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.LiveCount() != 1 {
		t.Errorf("live count = %d, want 1", s.LiveCount())
	}
	if err := s.DeleteAsset(0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("double delete should fail, got %v", err)
	}
	if _, ok := s.Find(1, maturity(1), model.AssetTypeFCash); ok {
		t.Error("deleted slot should not be found")
	}
}

func TestAddAsset_Overflow(t *testing.T) {
	s := BuildState(nil, 0)
	huge := decimal.New(1, 27)
	if err := s.AddAsset(1, maturity(1), model.AssetTypeFCash, huge); !errors.Is(err, model.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

// --- Account context ---

func TestSetActiveCurrency(t *testing.T) {
	var c model.AccountContext
	SetActiveCurrency(&c, 3, true, InBalances)
	SetActiveCurrency(&c, 1, true, InPortfolio)
	SetActiveCurrency(&c, 2, true, InBalances|InPortfolio)

	ids := ActiveCurrencyIDs(c)
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("ids = %v", ids)
	}
	if !IsActiveInBalances(c, 3) || IsActiveInPortfolio(c, 3) {
		t.Error("currency 3 flags wrong")
	}

	SetActiveCurrency(&c, 2, false, InBalances)
	if !IsActiveInPortfolio(c, 2) || IsActiveInBalances(c, 2) {
		t.Error("currency 2 should remain in portfolio only")
	}
	SetActiveCurrency(&c, 2, false, InPortfolio)
	if len(c.ActiveCurrencies) != 2 {
		t.Errorf("currency with no flags should be removed: %+v", c.ActiveCurrencies)
	}
}

func TestApplySummary(t *testing.T) {
	var c model.AccountContext
	SetActiveCurrency(&c, 5, true, InPortfolio)
	ApplySummary(&c, Summary{NextSettleTime: 100, HasAssetDebt: true, Currencies: []uint16{1}})

	if c.NextSettleTime != 100 || !c.HasDebt.HasAssetDebt() {
		t.Errorf("context = %+v", c)
	}
	if IsActiveInPortfolio(c, 5) || !IsActiveInPortfolio(c, 1) {
		t.Errorf("portfolio currencies not refreshed: %+v", c.ActiveCurrencies)
	}

	ApplySummary(&c, Summary{})
	if c.NextSettleTime != 0 || c.HasDebt.HasAssetDebt() || len(c.ActiveCurrencies) != 0 {
		t.Errorf("empty summary should clear context: %+v", c)
	}
}

func TestNeedsSettlement(t *testing.T) {
	c := model.AccountContext{NextSettleTime: blockTime}
	if !NeedsSettlement(c, nil, blockTime) {
		t.Error("asset maturing at block time needs settlement")
	}
	if NeedsSettlement(c, nil, blockTime-1) {
		t.Error("asset not yet matured")
	}
	if NeedsSettlement(model.AccountContext{}, nil, blockTime) {
		t.Error("empty account never needs settlement")
	}
}

// --- Bitmap portfolio ---

func TestBitmap_SetAndClear(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	m := maturity(1)
	if err := SetfCashAsset(bp, m, n(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if TotalBitsSet(bp.Bits) != 1 {
		t.Fatalf("expected one bit set")
	}
	if err := SetfCashAsset(bp, m, n(-100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if TotalBitsSet(bp.Bits) != 0 || len(bp.Notionals) != 0 {
		t.Errorf("netting to zero should clear the bit: %+v", bp)
	}
}

func TestBitmap_Cap(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	for day := int64(1); day <= fp.MaxBitmapAssets; day++ {
		if err := SetfCashAsset(bp, bp.ReferenceTime+day*fp.Day, n(1)); err != nil {
			t.Fatalf("asset %d: %v", day, err)
		}
	}
	err := SetfCashAsset(bp, bp.ReferenceTime+30*fp.Day, n(1))
	if !errors.Is(err, model.ErrOverMaxAssets) {
		t.Fatalf("expected ErrOverMaxAssets, got %v", err)
	}
	if TotalBitsSet(bp.Bits) != fp.MaxBitmapAssets {
		t.Error("failed set must not change the bitmap")
	}
	// Adding to an existing bit is still allowed at the cap.
	if err := SetfCashAsset(bp, bp.ReferenceTime+fp.Day, n(1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBitmap_InexactMaturity(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	m := datetime.MaturityFromBitNum(bp.ReferenceTime, 100) + fp.Day
	if err := SetfCashAsset(bp, m, n(1)); !errors.Is(err, model.ErrInvalidMaturity) {
		t.Errorf("expected ErrInvalidMaturity, got %v", err)
	}
}

func TestGetifCashArray_Reconstructs(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	want := map[int64]decimal.Decimal{
		maturity(1): n(10),
		maturity(2): n(-20),
		maturity(7): n(30),
	}
	for m, v := range want {
		if err := SetfCashAsset(bp, m, v); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got := GetifCashArray(bp)
	if len(got) != len(want) {
		t.Fatalf("got %d assets, want %d", len(got), len(want))
	}
	for i, a := range got {
		if !a.Notional.Equal(want[a.Maturity]) {
			t.Errorf("maturity %d: got %s want %s", a.Maturity, a.Notional, want[a.Maturity])
		}
		if i > 0 && got[i-1].Maturity >= a.Maturity {
			t.Error("assets should be in maturity order")
		}
	}
}

func TestRemap_KeepsMaturities(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	for i := 1; i <= 7; i++ {
		_ = SetfCashAsset(bp, maturity(i), n(int64(i)))
	}
	before := GetifCashArray(bp)

	if err := Remap(bp, blockTime+20*fp.Day); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := GetifCashArray(bp)
	if len(after) != len(before) {
		t.Fatalf("remap changed asset count %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Maturity != after[i].Maturity || !before[i].Notional.Equal(after[i].Notional) {
			t.Errorf("asset %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestCheckBitmapAsset(t *testing.T) {
	bp := NewBitmap(1, blockTime)
	if err := CheckBitmapAsset(bp, 2, model.AssetTypeFCash); !errors.Is(err, model.ErrBitmapCurrency) {
		t.Errorf("expected ErrBitmapCurrency for other currency, got %v", err)
	}
	if err := CheckBitmapAsset(bp, 1, model.LiquidityTokenType(1)); !errors.Is(err, model.ErrBitmapCurrency) {
		t.Errorf("expected ErrBitmapCurrency for liquidity token, got %v", err)
	}
}

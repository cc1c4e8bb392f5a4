package state

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
)

// AddAsset adds notional to the account. fCash of the bitmap currency goes to
// the bitmap; everything else goes to the array portfolio, capped at
// maxAssets. The context summary is refreshed on success and the account is
// unchanged on error.
func (a *Account) AddAsset(currencyID uint16, maturity int64, t model.AssetType, notional decimal.Decimal, maxAssets int) error {
	if a.Context.BitmapCurrencyID != 0 {
		if a.Bitmap == nil {
			return fmt.Errorf("bitmap account without bitmap: %w", model.ErrBitmapCurrency)
		}
		if err := portfolio.CheckBitmapAsset(a.Bitmap, currencyID, t); err != nil {
			return err
		}
		next := a.Bitmap.Clone()
		if err := portfolio.SetfCashAsset(next, maturity, notional); err != nil {
			return err
		}
		a.Bitmap = next
		a.Refresh()
		return nil
	}

	s := portfolio.BuildState(a.Portfolio, maxAssets)
	if err := s.AddAsset(currencyID, maturity, t, notional); err != nil {
		return err
	}
	assets, _, err := s.Store()
	if err != nil {
		return err
	}
	a.Portfolio = assets
	a.Refresh()
	return nil
}

// Assets lists every position of the account, array and bitmap.
func (a *Account) Assets() []model.Asset {
	out := append([]model.Asset(nil), a.Portfolio...)
	out = append(out, portfolio.GetifCashArray(a.Bitmap)...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Refresh recomputes next settle time, asset debt and portfolio currencies
// from the stored positions.
func (a *Account) Refresh() {
	sum := portfolio.Summarize(a.Portfolio)
	if a.Bitmap != nil && len(a.Bitmap.Notionals) > 0 {
		for _, x := range a.Bitmap.Notionals {
			if x.IsNegative() {
				sum.HasAssetDebt = true
			}
		}
		i := sort.Search(len(sum.Currencies), func(i int) bool { return sum.Currencies[i] >= a.Bitmap.CurrencyID })
		if i == len(sum.Currencies) || sum.Currencies[i] != a.Bitmap.CurrencyID {
			sum.Currencies = append(sum.Currencies, 0)
			copy(sum.Currencies[i+1:], sum.Currencies[i:])
			sum.Currencies[i] = a.Bitmap.CurrencyID
		}
	}
	portfolio.ApplySummary(&a.Context, sum)
}

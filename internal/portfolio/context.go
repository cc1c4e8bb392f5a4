package portfolio

import (
	"sort"

	"github.com/atmx/fcash-engine/internal/datetime"
	"github.com/atmx/fcash-engine/internal/model"
)

// ActiveFlag selects which active-currency bit to change.
type ActiveFlag uint8

const (
	InPortfolio ActiveFlag = 1 << iota
	InBalances
)

// SetActiveCurrency sets or clears a flag for a currency, keeping the list
// sorted by id and dropping currencies with no flags left.
func SetActiveCurrency(c *model.AccountContext, id uint16, active bool, flag ActiveFlag) {
	i := sort.Search(len(c.ActiveCurrencies), func(i int) bool { return c.ActiveCurrencies[i].ID >= id })
	found := i < len(c.ActiveCurrencies) && c.ActiveCurrencies[i].ID == id
	if !found {
		if !active {
			return
		}
		c.ActiveCurrencies = append(c.ActiveCurrencies, model.ActiveCurrency{})
		copy(c.ActiveCurrencies[i+1:], c.ActiveCurrencies[i:])
		c.ActiveCurrencies[i] = model.ActiveCurrency{ID: id}
	}

	ac := &c.ActiveCurrencies[i]
	if flag&InPortfolio != 0 {
		ac.InPortfolio = active
	}
	if flag&InBalances != 0 {
		ac.InBalances = active
	}
	if !ac.InPortfolio && !ac.InBalances {
		c.ActiveCurrencies = append(c.ActiveCurrencies[:i], c.ActiveCurrencies[i+1:]...)
	}
}

func IsActiveInBalances(c model.AccountContext, id uint16) bool {
	for _, ac := range c.ActiveCurrencies {
		if ac.ID == id {
			return ac.InBalances
		}
	}
	return false
}

func IsActiveInPortfolio(c model.AccountContext, id uint16) bool {
	for _, ac := range c.ActiveCurrencies {
		if ac.ID == id {
			return ac.InPortfolio
		}
	}
	return false
}

// ActiveCurrencyIDs returns every active currency id in ascending order.
func ActiveCurrencyIDs(c model.AccountContext) []uint16 {
	out := make([]uint16, 0, len(c.ActiveCurrencies))
	for _, ac := range c.ActiveCurrencies {
		out = append(out, ac.ID)
	}
	return out
}

// ApplySummary writes a stored portfolio's summary into the context. Bitmap
// accounts keep NextSettleTime at zero; their reference time drives
// settlement instead.
func ApplySummary(c *model.AccountContext, sum Summary) {
	if c.BitmapCurrencyID != 0 {
		c.NextSettleTime = 0
	} else {
		c.NextSettleTime = sum.NextSettleTime
	}
	if sum.HasAssetDebt {
		c.HasDebt |= model.AssetDebt
	} else {
		c.HasDebt &^= model.AssetDebt
	}

	inSummary := make(map[uint16]bool, len(sum.Currencies))
	for _, id := range sum.Currencies {
		inSummary[id] = true
		SetActiveCurrency(c, id, true, InPortfolio)
	}
	for _, id := range ActiveCurrencyIDs(*c) {
		if !inSummary[id] {
			SetActiveCurrency(c, id, false, InPortfolio)
		}
	}
}

// NeedsSettlement reports whether any asset of the account is due for
// settlement at blockTime.
func NeedsSettlement(c model.AccountContext, bitmap *model.BitmapPortfolio, blockTime int64) bool {
	if c.BitmapCurrencyID != 0 {
		return bitmap != nil && len(bitmap.Notionals) > 0 && bitmap.ReferenceTime < datetime.TimeUTC0(blockTime)
	}
	return c.NextSettleTime != 0 && c.NextSettleTime <= blockTime
}

// Package portfolio manages the fCash and liquidity token positions of an
// account, in array form or as a single-currency bitmap.
package portfolio

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// DefaultMaxAssets caps the number of array portfolio entries.
const DefaultMaxAssets = 16

// Entry is one working slot. Deleted slots are skipped on store.
type Entry struct {
	model.Asset
	Deleted bool
	Pending bool
}

// State is the mutable working copy of an array portfolio.
type State struct {
	Entries   []Entry
	MaxAssets int
}

// BuildState loads stored assets into a working state.
func BuildState(assets []model.Asset, maxAssets int) *State {
	if maxAssets <= 0 {
		maxAssets = DefaultMaxAssets
	}
	s := &State{Entries: make([]Entry, 0, len(assets)), MaxAssets: maxAssets}
	for _, a := range assets {
		s.Entries = append(s.Entries, Entry{Asset: a})
	}
	return s
}

// Find returns the index of the live slot with the given key.
func (s *State) Find(currencyID uint16, maturity int64, t model.AssetType) (int, bool) {
	for i, e := range s.Entries {
		if !e.Deleted && e.SameKey(currencyID, maturity, t) {
			return i, true
		}
	}
	return -1, false
}

// AddAsset merges notional into the slot with the same key, or appends a
// pending slot. A slot netted to zero is dropped on store. Liquidity token
// balances may never go negative.
func (s *State) AddAsset(currencyID uint16, maturity int64, t model.AssetType, notional decimal.Decimal) error {
	if !t.IsValid() {
		return fmt.Errorf("asset type %d: %w", t, model.ErrInvalidMarket)
	}
	if i, ok := s.Find(currencyID, maturity, t); ok {
		next := s.Entries[i].Notional.Add(notional)
		if t.IsLiquidityToken() && next.IsNegative() {
			return fmt.Errorf("liquidity token balance %s: %w", next, model.ErrNegativeAmount)
		}
		if err := fp.CheckNotional(next); err != nil {
			return err
		}
		s.Entries[i].Notional = next
		return nil
	}
	if t.IsLiquidityToken() && notional.IsNegative() {
		return fmt.Errorf("liquidity token balance %s: %w", notional, model.ErrNegativeAmount)
	}
	if notional.IsZero() {
		return nil
	}
	if err := fp.CheckNotional(notional); err != nil {
		return err
	}
	s.Entries = append(s.Entries, Entry{
		Asset:   model.Asset{CurrencyID: currencyID, Maturity: maturity, AssetType: t, Notional: notional},
		Pending: true,
	})
	return nil
}

// DeleteAsset tombstones the slot at index i.
func (s *State) DeleteAsset(i int) error {
	if i < 0 || i >= len(s.Entries) || s.Entries[i].Deleted {
		return fmt.Errorf("portfolio slot %d: %w", i, model.ErrNotFound)
	}
	s.Entries[i].Deleted = true
	return nil
}

// Live returns the non-deleted, non-zero assets sorted by key.
func (s *State) Live() []model.Asset {
	out := make([]model.Asset, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Deleted || e.Notional.IsZero() {
			continue
		}
		out = append(out, e.Asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// LiveCount is the number of assets Store would write.
func (s *State) LiveCount() int {
	n := 0
	for _, e := range s.Entries {
		if !e.Deleted && !e.Notional.IsZero() {
			n++
		}
	}
	return n
}

// Store returns the assets to persist and the summary of them.
func (s *State) Store() ([]model.Asset, Summary, error) {
	live := s.Live()
	if len(live) > s.MaxAssets {
		return nil, Summary{}, fmt.Errorf("%d assets, max %d: %w", len(live), s.MaxAssets, model.ErrOverMaxAssets)
	}
	return live, Summarize(live), nil
}

// Summary is derived from a stored portfolio.
type Summary struct {
	NextSettleTime int64
	HasAssetDebt   bool
	Currencies     []uint16
}

// SettlementDate is when an asset next needs settlement.
func SettlementDate(a model.Asset) int64 {
	if a.AssetType.IsLiquidityToken() {
		return datetime.LiquidityTokenSettlementDate(a.Maturity, a.AssetType.MarketIndex())
	}
	return a.Maturity
}

// Summarize computes the next settlement time, the asset debt flag and the
// distinct currencies of a set of assets.
func Summarize(assets []model.Asset) Summary {
	var sum Summary
	seen := make(map[uint16]bool)
	for _, a := range assets {
		if d := SettlementDate(a); sum.NextSettleTime == 0 || d < sum.NextSettleTime {
			sum.NextSettleTime = d
		}
		if a.AssetType == model.AssetTypeFCash && a.Notional.IsNegative() {
			sum.HasAssetDebt = true
		}
		if !seen[a.CurrencyID] {
			seen[a.CurrencyID] = true
			sum.Currencies = append(sum.Currencies, a.CurrencyID)
		}
	}
	sort.Slice(sum.Currencies, func(i, j int) bool { return sum.Currencies[i] < sum.Currencies[j] })
	return sum
}

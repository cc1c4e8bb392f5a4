// Package state stages the reads and writes of one engine operation over a
// store.Store. Nothing reaches the store until Commit, so a failed operation
// leaves no trace.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/store"
)

type marketKey struct {
	currencyID uint16
	maturity   int64
}

type balanceKey struct {
	account    string
	currencyID uint16
}

// Account is the staged state of one account.
type Account struct {
	Context   model.AccountContext
	Portfolio []model.Asset
	Bitmap    *model.BitmapPortfolio
}

func (a *Account) clone() *Account {
	return &Account{
		Context:   a.Context.Clone(),
		Portfolio: append([]model.Asset(nil), a.Portfolio...),
		Bitmap:    a.Bitmap.Clone(),
	}
}

// View is a write set over a store. Reads see staged writes first.
type View struct {
	base      store.Store
	blockTime int64

	currencies map[uint16]model.Currency
	cashGroups map[uint16]model.CashGroupConfig
	markets    map[marketKey]model.Market
	rates      map[marketKey]model.SettlementRate
	accounts   map[string]*Account
	balances   map[balanceKey]model.BalanceState
	events     []model.Event
}

// New starts an empty write set at blockTime.
func New(base store.Store, blockTime int64) *View {
	return &View{
		base:       base,
		blockTime:  blockTime,
		currencies: make(map[uint16]model.Currency),
		cashGroups: make(map[uint16]model.CashGroupConfig),
		markets:    make(map[marketKey]model.Market),
		rates:      make(map[marketKey]model.SettlementRate),
		accounts:   make(map[string]*Account),
		balances:   make(map[balanceKey]model.BalanceState),
	}
}

func (v *View) BlockTime() int64 { return v.blockTime }

// --- Registry ---

func (v *View) Currency(ctx context.Context, id uint16) (*model.Currency, error) {
	if c, ok := v.currencies[id]; ok {
		return &c, nil
	}
	return v.base.GetCurrency(ctx, id)
}

func (v *View) SetCurrency(c model.Currency) {
	v.currencies[c.ID] = c
}

func (v *View) CashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error) {
	if cg, ok := v.cashGroups[currencyID]; ok {
		cp := cg.Clone()
		return &cp, nil
	}
	return v.base.GetCashGroup(ctx, currencyID)
}

func (v *View) SetCashGroup(cg model.CashGroupConfig) {
	v.cashGroups[cg.CurrencyID] = cg.Clone()
}

// --- Markets ---

func (v *View) Market(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	if m, ok := v.markets[marketKey{currencyID, maturity}]; ok {
		return &m, nil
	}
	return v.base.GetMarket(ctx, currencyID, maturity)
}

// SetMarket stages a market after range-checking its totals and rates.
func (v *View) SetMarket(m model.Market) error {
	for name, x := range map[string]decimal.Decimal{
		"total fCash":      m.TotalFCash,
		"total asset cash": m.TotalAssetCash,
		"total liquidity":  m.TotalLiquidity,
	} {
		if x.IsNegative() {
			return fmt.Errorf("market %d/%d %s %s: %w", m.CurrencyID, m.Maturity, name, x, model.ErrNegativeAmount)
		}
		if err := fp.CheckNotional(x); err != nil {
			return fmt.Errorf("market %d/%d %s: %w", m.CurrencyID, m.Maturity, name, err)
		}
	}
	if err := fp.CheckRate(m.LastImpliedRate); err != nil {
		return err
	}
	if err := fp.CheckRate(m.OracleRate); err != nil {
		return err
	}
	v.markets[marketKey{m.CurrencyID, m.Maturity}] = m
	return nil
}

// Markets lists the markets of a currency, staged and stored, by maturity.
func (v *View) Markets(ctx context.Context, currencyID uint16) ([]model.Market, error) {
	stored, err := v.base.ListMarkets(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	byMaturity := make(map[int64]model.Market, len(stored))
	for _, m := range stored {
		byMaturity[m.Maturity] = m
	}
	for k, m := range v.markets {
		if k.currencyID == currencyID {
			byMaturity[k.maturity] = m
		}
	}
	out := make([]model.Market, 0, len(byMaturity))
	for _, m := range byMaturity {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out, nil
}

func (v *View) SettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error) {
	if r, ok := v.rates[marketKey{currencyID, maturity}]; ok {
		return &r, nil
	}
	return v.base.GetSettlementRate(ctx, currencyID, maturity)
}

// SetSettlementRate stages a rate. A rate already staged for the maturity
// is kept.
func (v *View) SetSettlementRate(r model.SettlementRate) {
	k := marketKey{r.CurrencyID, r.Maturity}
	if _, ok := v.rates[k]; ok {
		return
	}
	v.rates[k] = r
}

// --- Accounts ---

// Account returns a copy of the account's staged or stored state.
func (v *View) Account(ctx context.Context, account string) (*Account, error) {
	if a, ok := v.accounts[account]; ok {
		return a.clone(), nil
	}
	c, err := v.base.GetAccountContext(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", account, err)
	}
	assets, err := v.base.GetPortfolio(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load portfolio %s: %w", account, err)
	}
	bm, err := v.base.GetBitmap(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load bitmap %s: %w", account, err)
	}
	return &Account{Context: *c, Portfolio: assets, Bitmap: bm}, nil
}

// SetAccount stages an account after checking every notional fits.
func (v *View) SetAccount(account string, a *Account) error {
	for _, as := range a.Portfolio {
		if err := fp.CheckNotional(as.Notional); err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
	}
	if a.Bitmap != nil && len(a.Bitmap.Notionals) > fp.MaxBitmapAssets {
		return fmt.Errorf("account %s: %w", account, model.ErrOverMaxAssets)
	}
	v.accounts[account] = a.clone()
	return nil
}

// Balance returns the account's balance in a currency including in-flight
// changes staged so far.
func (v *View) Balance(ctx context.Context, account string, currencyID uint16) (*model.BalanceState, error) {
	if b, ok := v.balances[balanceKey{account, currencyID}]; ok {
		return &b, nil
	}
	return v.base.GetBalance(ctx, account, currencyID)
}

func (v *View) SetBalance(b model.BalanceState) error {
	if err := fp.CheckNotional(b.CashBalance()); err != nil {
		return fmt.Errorf("balance %s/%d: %w", b.Account, b.CurrencyID, err)
	}
	v.balances[balanceKey{b.Account, b.CurrencyID}] = b
	return nil
}

// AddCash adds delta to an account's in-flight cash change.
func (v *View) AddCash(ctx context.Context, account string, currencyID uint16, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	b, err := v.Balance(ctx, account, currencyID)
	if err != nil {
		return err
	}
	b.NetCashChange = b.NetCashChange.Add(delta)
	return v.SetBalance(*b)
}

// AddAssetTransfer records asset cash moved in (positive) or out (negative)
// of an account through the token adapter.
func (v *View) AddAssetTransfer(ctx context.Context, account string, currencyID uint16, delta decimal.Decimal) error {
	b, err := v.Balance(ctx, account, currencyID)
	if err != nil {
		return err
	}
	b.NetAssetTransfer = b.NetAssetTransfer.Add(delta)
	return v.SetBalance(*b)
}

// --- Events ---

// Emit appends an event to the write set.
func (v *View) Emit(typ model.EventType, account string, currencyID uint16, maturity int64, amounts map[string]decimal.Decimal) {
	v.events = append(v.events, model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Account:    account,
		CurrencyID: currencyID,
		Maturity:   maturity,
		Amounts:    amounts,
		BlockTime:  v.blockTime,
	})
}

func (v *View) Events() []model.Event {
	return append([]model.Event(nil), v.events...)
}

// --- Commit ---

// Changes finalizes staged balances, refreshes the balance flags of the
// touched accounts and returns the batch to apply.
func (v *View) Changes(ctx context.Context) (*store.Batch, error) {
	b := &store.Batch{Events: v.Events()}

	balKeys := make([]balanceKey, 0, len(v.balances))
	for k := range v.balances {
		balKeys = append(balKeys, k)
	}
	sort.Slice(balKeys, func(i, j int) bool {
		if balKeys[i].account != balKeys[j].account {
			return balKeys[i].account < balKeys[j].account
		}
		return balKeys[i].currencyID < balKeys[j].currencyID
	})
	for _, k := range balKeys {
		bal := v.balances[k]
		bal.Finalize()
		if err := fp.CheckNotional(bal.StoredCashBalance); err != nil {
			return nil, err
		}
		b.Balances = append(b.Balances, bal)

		acct, err := v.Account(ctx, k.account)
		if err != nil {
			return nil, err
		}
		active := !bal.StoredCashBalance.IsZero() || !bal.StoredShareBalance.IsZero()
		portfolio.SetActiveCurrency(&acct.Context, k.currencyID, active, portfolio.InBalances)
		if bal.StoredCashBalance.IsNegative() {
			acct.Context.HasDebt |= model.CashDebt
		}
		v.accounts[k.account] = acct
	}

	names := make([]string, 0, len(v.accounts))
	for name := range v.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := v.accounts[name]
		b.Accounts = append(b.Accounts, store.AccountWrite{
			Account:   name,
			Context:   a.Context.Clone(),
			Portfolio: append([]model.Asset(nil), a.Portfolio...),
			Bitmap:    a.Bitmap.Clone(),
		})
	}

	for _, c := range v.currencies {
		b.Currencies = append(b.Currencies, c)
	}
	sort.Slice(b.Currencies, func(i, j int) bool { return b.Currencies[i].ID < b.Currencies[j].ID })
	for _, cg := range v.cashGroups {
		b.CashGroups = append(b.CashGroups, cg.Clone())
	}
	sort.Slice(b.CashGroups, func(i, j int) bool { return b.CashGroups[i].CurrencyID < b.CashGroups[j].CurrencyID })
	for _, m := range v.markets {
		b.Markets = append(b.Markets, m)
	}
	sort.Slice(b.Markets, func(i, j int) bool {
		if b.Markets[i].CurrencyID != b.Markets[j].CurrencyID {
			return b.Markets[i].CurrencyID < b.Markets[j].CurrencyID
		}
		return b.Markets[i].Maturity < b.Markets[j].Maturity
	})
	for _, r := range v.rates {
		b.SettlementRates = append(b.SettlementRates, r)
	}
	sort.Slice(b.SettlementRates, func(i, j int) bool {
		if b.SettlementRates[i].CurrencyID != b.SettlementRates[j].CurrencyID {
			return b.SettlementRates[i].CurrencyID < b.SettlementRates[j].CurrencyID
		}
		return b.SettlementRates[i].Maturity < b.SettlementRates[j].Maturity
	})
	return b, nil
}

// Commit applies the write set to the base store in one batch.
func (v *View) Commit(ctx context.Context) (*store.Batch, error) {
	b, err := v.Changes(ctx)
	if err != nil {
		return nil, err
	}
	if b.Empty() {
		return b, nil
	}
	if err := v.base.Apply(ctx, b); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

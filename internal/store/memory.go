package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

type marketKey struct {
	currencyID uint16
	maturity   int64
}

type balanceKey struct {
	account    string
	currencyID uint16
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	currencies map[uint16]model.Currency
	cashGroups map[uint16]model.CashGroupConfig
	markets    map[marketKey]model.Market
	rates      map[marketKey]model.SettlementRate
	contexts   map[string]model.AccountContext
	portfolios map[string][]model.Asset
	bitmaps    map[string]*model.BitmapPortfolio
	balances   map[balanceKey]model.BalanceState
	events     []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		currencies: make(map[uint16]model.Currency),
		cashGroups: make(map[uint16]model.CashGroupConfig),
		markets:    make(map[marketKey]model.Market),
		rates:      make(map[marketKey]model.SettlementRate),
		contexts:   make(map[string]model.AccountContext),
		portfolios: make(map[string][]model.Asset),
		bitmaps:    make(map[string]*model.BitmapPortfolio),
		balances:   make(map[balanceKey]model.BalanceState),
	}
}

func (s *MemoryStore) GetCurrency(_ context.Context, id uint16) (*model.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.currencies[id]
	if !ok {
		return nil, fmt.Errorf("currency %d: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCurrencies(_ context.Context) ([]model.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Currency, 0, len(s.currencies))
	for _, c := range s.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetCashGroup(_ context.Context, currencyID uint16) (*model.CashGroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cg, ok := s.cashGroups[currencyID]
	if !ok {
		return nil, fmt.Errorf("cash group %d: %w", currencyID, model.ErrNotFound)
	}
	cp := cg.Clone()
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[marketKey{currencyID, maturity}]
	if !ok {
		return nil, fmt.Errorf("market %d/%d: %w", currencyID, maturity, model.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, currencyID uint16) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Market
	for k, m := range s.markets {
		if k.currencyID == currencyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out, nil
}

func (s *MemoryStore) GetSettlementRate(_ context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rates[marketKey{currencyID, maturity}]
	if !ok {
		return nil, fmt.Errorf("settlement rate %d/%d: %w", currencyID, maturity, model.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetAccountContext(_ context.Context, account string) (*model.AccountContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.contexts[account].Clone()
	return &c, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, account string) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Asset(nil), s.portfolios[account]...), nil
}

func (s *MemoryStore) GetBitmap(_ context.Context, account string) (*model.BitmapPortfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bitmaps[account].Clone(), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, account string, currencyID uint16) (*model.BalanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balanceKey{account, currencyID}]
	if !ok {
		b = model.BalanceState{Account: account, CurrencyID: currencyID}
	}
	return &b, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for a := range s.contexts {
		seen[a] = true
	}
	for k := range s.balances {
		seen[k.account] = true
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, account string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, e := range s.events {
		if account == "" || e.Account == account {
			out = append(out, e)
		}
	}
	return out, nil
}

// Apply holds the write lock for the whole batch so readers never observe a
// partially applied operation.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range b.Currencies {
		s.currencies[c.ID] = c
	}
	for _, cg := range b.CashGroups {
		s.cashGroups[cg.CurrencyID] = cg.Clone()
	}
	for _, m := range b.Markets {
		s.markets[marketKey{m.CurrencyID, m.Maturity}] = m
	}
	for _, r := range b.SettlementRates {
		k := marketKey{r.CurrencyID, r.Maturity}
		if _, ok := s.rates[k]; !ok {
			s.rates[k] = r
		}
	}
	for _, a := range b.Accounts {
		s.contexts[a.Account] = a.Context.Clone()
		if len(a.Portfolio) == 0 {
			delete(s.portfolios, a.Account)
		} else {
			s.portfolios[a.Account] = append([]model.Asset(nil), a.Portfolio...)
		}
		if a.Bitmap == nil {
			delete(s.bitmaps, a.Account)
		} else {
			s.bitmaps[a.Account] = a.Bitmap.Clone()
		}
	}
	for _, bal := range b.Balances {
		bal.NetCashChange, bal.NetAssetTransfer, bal.NetShareTransfer = decimal.Zero, decimal.Zero, decimal.Zero
		s.balances[balanceKey{bal.Account, bal.CurrencyID}] = bal
	}
	s.events = append(s.events, b.Events...)
	return nil
}

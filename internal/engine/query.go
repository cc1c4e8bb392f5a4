package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/valuation"
)

// ErrConservation is returned by CheckConservation when fCash or liquidity
// tokens do not net out.
var ErrConservation = errors.New("engine: conservation violated")

// Queries read the store directly. Values derived at a block time (oracle
// rates, free collateral) are computed in a throwaway view and never written.

func (s *Service) GetCurrency(ctx context.Context, id uint16) (*model.Currency, error) {
	return s.store.GetCurrency(ctx, id)
}

func (s *Service) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	return s.store.ListCurrencies(ctx)
}

func (s *Service) GetCashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error) {
	return s.store.GetCashGroup(ctx, currencyID)
}

func (s *Service) GetSettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error) {
	return s.store.GetSettlementRate(ctx, currencyID, maturity)
}

// GetMarket returns the market with its oracle rate blended up to blockTime.
func (s *Service) GetMarket(ctx context.Context, currencyID uint16, maturity, blockTime int64) (model.Market, error) {
	v := state.New(s.store, blockTime)
	cg, err := cashgroup.Load(ctx, v, s.oracle, currencyID)
	if err != nil {
		return model.Market{}, err
	}
	return market.LoadMaturity(ctx, v, cg, maturity, blockTime)
}

// GetActiveMarkets returns the initialized on-the-run markets of a currency,
// nearest maturity first.
func (s *Service) GetActiveMarkets(ctx context.Context, currencyID uint16, blockTime int64) ([]model.Market, error) {
	v := state.New(s.store, blockTime)
	cg, err := cashgroup.Load(ctx, v, s.oracle, currencyID)
	if err != nil {
		return nil, err
	}
	var out []model.Market
	for _, maturity := range cg.ActiveMaturities(blockTime) {
		m, err := market.LoadMaturity(ctx, v, cg, maturity, blockTime)
		if state.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetAccountPortfolio lists the array and bitmap positions of an account.
func (s *Service) GetAccountPortfolio(ctx context.Context, account string) ([]model.Asset, error) {
	acct, err := state.New(s.store, 0).Account(ctx, account)
	if err != nil {
		return nil, err
	}
	return acct.Assets(), nil
}

func (s *Service) GetAccountContext(ctx context.Context, account string) (*model.AccountContext, error) {
	return s.store.GetAccountContext(ctx, account)
}

func (s *Service) GetBalance(ctx context.Context, account string, currencyID uint16) (*model.BalanceState, error) {
	return s.store.GetBalance(ctx, account, currencyID)
}

// GetFreeCollateral values the account at blockTime without settling it.
func (s *Service) GetFreeCollateral(ctx context.Context, account string, blockTime int64) (valuation.Result, error) {
	return valuation.FreeCollateral(ctx, state.New(s.store, blockTime), s.oracle, s.oracle, account, blockTime)
}

// GetAccountValue is the unhaircut value of the account in each currency.
func (s *Service) GetAccountValue(ctx context.Context, account string, blockTime int64) ([]valuation.CurrencyValue, error) {
	return valuation.TotalUnderlyingValue(ctx, state.New(s.store, blockTime), s.oracle, account, blockTime)
}

func (s *Service) ListEvents(ctx context.Context, account string) ([]model.Event, error) {
	return s.store.ListEvents(ctx, account)
}

type maturityKey struct {
	currencyID uint16
	maturity   int64
}

// CheckConservation verifies, for every market not yet matured at
// blockTime, that market fCash plus account fCash nets to zero and that
// account liquidity tokens sum to the market's total liquidity.
func (s *Service) CheckConservation(ctx context.Context, blockTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fCash := make(map[maturityKey]decimal.Decimal)
	tokens := make(map[maturityKey]decimal.Decimal)
	markets := make(map[maturityKey]model.Market)

	currencies, err := s.store.ListCurrencies(ctx)
	if err != nil {
		return err
	}
	for _, c := range currencies {
		ms, err := s.store.ListMarkets(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if m.IsMatured(blockTime) {
				continue
			}
			k := maturityKey{m.CurrencyID, m.Maturity}
			markets[k] = m
			fCash[k] = fCash[k].Add(m.TotalFCash)
		}
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		assets, err := s.store.GetPortfolio(ctx, account)
		if err != nil {
			return err
		}
		bm, err := s.store.GetBitmap(ctx, account)
		if err != nil {
			return err
		}
		assets = append(assets, portfolio.GetifCashArray(bm)...)
		for _, a := range assets {
			k := maturityKey{a.CurrencyID, a.Maturity}
			if _, ok := markets[k]; !ok {
				continue
			}
			if a.AssetType == model.AssetTypeFCash {
				fCash[k] = fCash[k].Add(a.Notional)
			} else {
				tokens[k] = tokens[k].Add(a.Notional)
			}
		}
	}

	keys := make([]maturityKey, 0, len(markets))
	for k := range markets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].currencyID != keys[j].currencyID {
			return keys[i].currencyID < keys[j].currencyID
		}
		return keys[i].maturity < keys[j].maturity
	})
	for _, k := range keys {
		if !fCash[k].IsZero() {
			return fmt.Errorf("currency %d maturity %d nets %s fCash: %w", k.currencyID, k.maturity, fCash[k], ErrConservation)
		}
		if !tokens[k].Equal(markets[k].TotalLiquidity) {
			return fmt.Errorf("currency %d maturity %d tokens %s, market liquidity %s: %w",
				k.currencyID, k.maturity, tokens[k], markets[k].TotalLiquidity, ErrConservation)
		}
	}
	return nil
}

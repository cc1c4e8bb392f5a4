// Package oracle provides the exchange rates the engine values assets with.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

// Rates are the live rates of one currency. AssetRate is in the currency's
// asset rate precision; ETHRate is in 1e18.
type Rates struct {
	AssetRate decimal.Decimal `json:"asset_rate"`
	ETHRate   decimal.Decimal `json:"eth_rate"`
}

// Static serves rates set by configuration or an operator. Safe for
// concurrent use.
type Static struct {
	mu    sync.RWMutex
	rates map[uint16]Rates
}

func NewStatic() *Static {
	return &Static{rates: make(map[uint16]Rates)}
}

// Set replaces the rates of a currency.
func (s *Static) Set(currencyID uint16, r Rates) error {
	if !r.AssetRate.IsPositive() || !r.ETHRate.IsPositive() {
		return fmt.Errorf("rates for currency %d must be positive: %w", currencyID, model.ErrInvalidConfig)
	}
	s.mu.Lock()
	s.rates[currencyID] = r
	s.mu.Unlock()
	slog.Info("oracle rates set", "currency", currencyID, "asset_rate", r.AssetRate.String(), "eth_rate", r.ETHRate.String())
	return nil
}

// Get returns the rates of a currency.
func (s *Static) Get(currencyID uint16) (Rates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[currencyID]
	if !ok {
		return Rates{}, fmt.Errorf("oracle rates for currency %d: %w", currencyID, model.ErrNotFound)
	}
	return r, nil
}

func (s *Static) AssetRate(_ context.Context, currencyID uint16) (decimal.Decimal, error) {
	r, err := s.Get(currencyID)
	return r.AssetRate, err
}

func (s *Static) ETHRate(_ context.Context, currencyID uint16) (decimal.Decimal, error) {
	r, err := s.Get(currencyID)
	return r.ETHRate, err
}

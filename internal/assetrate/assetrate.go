// Package assetrate converts asset cash to and from its underlying token and
// freezes settlement rates at maturity.
package assetrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Oracle supplies the live asset exchange rate of a currency.
type Oracle interface {
	AssetRate(ctx context.Context, currencyID uint16) (decimal.Decimal, error)
}

// AssetRate converts between asset cash and underlying. Rate carries
// 10 + UnderlyingDecimals decimal places.
type AssetRate struct {
	CurrencyID         uint16
	Rate               decimal.Decimal
	UnderlyingDecimals int32
}

// Build pulls the live rate for a currency.
func Build(ctx context.Context, oracle Oracle, c model.Currency) (AssetRate, error) {
	rate, err := oracle.AssetRate(ctx, c.ID)
	if err != nil {
		return AssetRate{}, fmt.Errorf("asset rate for currency %d: %w", c.ID, err)
	}
	if !rate.IsPositive() {
		return AssetRate{}, fmt.Errorf("asset rate for currency %d is %s: %w", c.ID, rate, model.ErrInvalidConfig)
	}
	return AssetRate{CurrencyID: c.ID, Rate: rate, UnderlyingDecimals: c.UnderlyingDecimals}, nil
}

// FromSettlementRate rebuilds the frozen rate stored for a maturity.
func FromSettlementRate(sr model.SettlementRate) AssetRate {
	return AssetRate{CurrencyID: sr.CurrencyID, Rate: sr.Rate, UnderlyingDecimals: sr.UnderlyingDecimals}
}

func (a AssetRate) precision() decimal.Decimal {
	return decimal.NewFromInt(fp.AssetRateDecimalDifference).Shift(a.UnderlyingDecimals)
}

// ConvertToUnderlying returns trunc(x * rate / (1e10 * 10^decimals)).
func (a AssetRate) ConvertToUnderlying(x decimal.Decimal) decimal.Decimal {
	return fp.MulDiv(x, a.Rate, a.precision())
}

// ConvertFromUnderlying returns trunc(x * 1e10 * 10^decimals / rate).
func (a AssetRate) ConvertFromUnderlying(x decimal.Decimal) decimal.Decimal {
	return fp.MulDiv(x, a.precision(), a.Rate)
}

// SettlementRates is the storage a settlement rate lookup needs.
type SettlementRates interface {
	SettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error)
	SetSettlementRate(sr model.SettlementRate)
	Emit(typ model.EventType, account string, currencyID uint16, maturity int64, amounts map[string]decimal.Decimal)
}

// BuildSettlementRate returns the rate frozen for (currency, maturity). The
// first call after maturity snapshots the live rate and stages it; later calls
// return the stored value without writing.
func BuildSettlementRate(ctx context.Context, rates SettlementRates, oracle Oracle, c model.Currency, maturity, blockTime int64) (AssetRate, error) {
	if maturity > blockTime {
		return AssetRate{}, fmt.Errorf("settlement rate for %d before maturity: %w", maturity, model.ErrInvalidMaturity)
	}
	stored, err := rates.SettlementRate(ctx, c.ID, maturity)
	if err == nil {
		return FromSettlementRate(*stored), nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return AssetRate{}, err
	}

	live, err := Build(ctx, oracle, c)
	if err != nil {
		return AssetRate{}, err
	}
	rates.SetSettlementRate(model.SettlementRate{
		CurrencyID:         c.ID,
		Maturity:           maturity,
		Rate:               live.Rate,
		UnderlyingDecimals: live.UnderlyingDecimals,
		BlockTime:          blockTime,
	})
	rates.Emit(model.EventSetSettlementRate, "", c.ID, maturity, map[string]decimal.Decimal{"rate": live.Rate})
	slog.Info("settlement rate set",
		"currency", c.ID,
		"maturity", maturity,
		"rate", live.Rate.String(),
	)
	return live, nil
}

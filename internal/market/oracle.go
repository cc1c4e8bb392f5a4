package market

import (
	"context"
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Reader reads stored markets.
type Reader interface {
	Market(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error)
}

// UpdateOracleRate blends the last implied rate into the oracle rate with
// weight elapsed/window. Once a full window has passed since the last trade
// the oracle rate is the last implied rate.
func UpdateOracleRate(previousTradeTime, lastImpliedRate, oracleRate, window, blockTime int64) int64 {
	if previousTradeTime > blockTime || window <= 0 {
		return lastImpliedRate
	}
	elapsed := blockTime - previousTradeTime
	if elapsed >= window {
		return lastImpliedRate
	}
	w := elapsed * fp.RatePrecision / window
	return (lastImpliedRate*w + oracleRate*(fp.RatePrecision-w)) / fp.RatePrecision
}

// Load reads the market of marketIndex as of blockTime with its oracle rate
// brought up to date. The returned oracle rate is only persisted by trades.
func Load(ctx context.Context, r Reader, cg *cashgroup.CashGroup, marketIndex int, blockTime int64) (model.Market, error) {
	maturity, err := cg.MarketMaturity(marketIndex, blockTime)
	if err != nil {
		return model.Market{}, err
	}
	return LoadMaturity(ctx, r, cg, maturity, blockTime)
}

// LoadMaturity is Load for a known maturity.
func LoadMaturity(ctx context.Context, r Reader, cg *cashgroup.CashGroup, maturity, blockTime int64) (model.Market, error) {
	m, err := r.Market(ctx, cg.CurrencyID(), maturity)
	if err != nil {
		return model.Market{}, fmt.Errorf("load market %d/%d: %w", cg.CurrencyID(), maturity, err)
	}
	out := *m
	out.OracleRate = UpdateOracleRate(m.PreviousTradeTime, m.LastImpliedRate, m.OracleRate, cg.Config.RateOracleTimeWindow, blockTime)
	return out, nil
}

// OracleRate returns the oracle rate used to value fCash maturing at
// maturity. Idiosyncratic maturities interpolate linearly between the
// neighbouring markets; maturities before the first market use its rate.
func OracleRate(ctx context.Context, r Reader, cg *cashgroup.CashGroup, maturity, blockTime int64) (int64, error) {
	if maturity <= blockTime {
		return 0, fmt.Errorf("oracle rate for matured %d: %w", maturity, model.ErrInvalidMaturity)
	}
	idx, idiosyncratic, ok := datetime.MarketIndex(cg.MaxMarketIndex(), maturity, blockTime)
	if !ok {
		return 0, fmt.Errorf("maturity %d beyond market horizon: %w", maturity, model.ErrInvalidMaturity)
	}
	long, err := Load(ctx, r, cg, idx, blockTime)
	if err != nil {
		return 0, err
	}
	if !idiosyncratic || idx == 1 {
		return long.OracleRate, nil
	}
	short, err := Load(ctx, r, cg, idx-1, blockTime)
	if err != nil {
		return 0, err
	}
	return interpolate(short.Maturity, short.OracleRate, long.Maturity, long.OracleRate, maturity)
}

func interpolate(shortMaturity, shortRate, longMaturity, longRate, maturity int64) (int64, error) {
	d, err := fp.MulDivInt64(longRate-shortRate, maturity-shortMaturity, longMaturity-shortMaturity)
	if err != nil {
		return 0, err
	}
	return shortRate + d, nil
}

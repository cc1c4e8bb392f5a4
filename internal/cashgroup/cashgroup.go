// Package cashgroup validates, packs and interprets the per-currency
// configuration that governs a family of markets.
package cashgroup

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

var validate = validator.New()

// Validate checks field ranges and cross-field rules of a cash group.
func Validate(cfg model.CashGroupConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("cash group %d: %v: %w", cfg.CurrencyID, err, model.ErrInvalidConfig)
	}
	n := cfg.MaxMarketIndex
	if len(cfg.LiquidityTokenHaircuts) != n || len(cfg.RateScalars) != n || len(cfg.RateAnchors) != n {
		return fmt.Errorf("cash group %d: per-market arrays must have %d entries: %w",
			cfg.CurrencyID, n, model.ErrInvalidConfig)
	}
	if cfg.LiquidationFCashHaircutBps >= cfg.FCashHaircutBps && cfg.FCashHaircutBps > 0 {
		return fmt.Errorf("cash group %d: liquidation fCash haircut must be below fCash haircut: %w",
			cfg.CurrencyID, model.ErrInvalidConfig)
	}
	if cfg.LiquidationDebtBufferBps >= cfg.DebtBufferBps && cfg.DebtBufferBps > 0 {
		return fmt.Errorf("cash group %d: liquidation debt buffer must be below debt buffer: %w",
			cfg.CurrencyID, model.ErrInvalidConfig)
	}
	return nil
}

// ValidateCurrency checks the listing parameters of a currency.
func ValidateCurrency(c model.Currency) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("currency %d: %v: %w", c.ID, err, model.ErrInvalidConfig)
	}
	return nil
}

// ValidateUpdate checks that next may replace prev. The number of markets
// may grow but never shrink.
func ValidateUpdate(prev, next model.CashGroupConfig) error {
	if err := Validate(next); err != nil {
		return err
	}
	if prev.CurrencyID != next.CurrencyID {
		return fmt.Errorf("cash group currency changed %d -> %d: %w", prev.CurrencyID, next.CurrencyID, model.ErrInvalidConfig)
	}
	if next.MaxMarketIndex < prev.MaxMarketIndex {
		return fmt.Errorf("cash group %d: cannot reduce max market index %d -> %d: %w",
			next.CurrencyID, prev.MaxMarketIndex, next.MaxMarketIndex, model.ErrInvalidConfig)
	}
	return nil
}

// CashGroup is a loaded cash group with its currency and live asset rate.
type CashGroup struct {
	Config    model.CashGroupConfig
	Currency  model.Currency
	AssetRate assetrate.AssetRate
}

// Configs is the read access Load needs.
type Configs interface {
	Currency(ctx context.Context, id uint16) (*model.Currency, error)
	CashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error)
}

// Load reads a cash group and builds its live asset rate.
func Load(ctx context.Context, cfgs Configs, oracle assetrate.Oracle, currencyID uint16) (*CashGroup, error) {
	cur, err := cfgs.Currency(ctx, currencyID)
	if err != nil {
		return nil, fmt.Errorf("load currency %d: %w", currencyID, err)
	}
	cfg, err := cfgs.CashGroup(ctx, currencyID)
	if err != nil {
		return nil, fmt.Errorf("load cash group %d: %w", currencyID, err)
	}
	ar, err := assetrate.Build(ctx, oracle, *cur)
	if err != nil {
		return nil, err
	}
	return &CashGroup{Config: cfg.Clone(), Currency: *cur, AssetRate: ar}, nil
}

func (g *CashGroup) CurrencyID() uint16 { return g.Config.CurrencyID }

func (g *CashGroup) MaxMarketIndex() int { return g.Config.MaxMarketIndex }

// TotalFee is the annualized trading fee in rate precision.
func (g *CashGroup) TotalFee() int64 { return g.Config.TotalFeeBps * fp.BasisPoint }

// ReserveFeeShare is the percentage of fees paid to the reserve.
func (g *CashGroup) ReserveFeeShare() int64 { return g.Config.ReserveFeeShare }

func (g *CashGroup) DebtBuffer() int64 { return g.Config.DebtBufferBps * fp.BasisPoint }

func (g *CashGroup) FCashHaircut() int64 { return g.Config.FCashHaircutBps * fp.BasisPoint }

func (g *CashGroup) SettlementPenalty() int64 { return g.Config.SettlementPenaltyBps * fp.BasisPoint }

func (g *CashGroup) LiquidationFCashHaircut() int64 {
	return g.Config.LiquidationFCashHaircutBps * fp.BasisPoint
}

func (g *CashGroup) LiquidationDebtBuffer() int64 {
	return g.Config.LiquidationDebtBufferBps * fp.BasisPoint
}

func (g *CashGroup) MarginRewardRate() int64 { return g.Config.MarginRewardRate }

// CheckMarketIndex fails with ErrInvalidMarket unless 1 <= i <= MaxMarketIndex.
func (g *CashGroup) CheckMarketIndex(i int) error {
	if i < 1 || i > g.Config.MaxMarketIndex {
		return fmt.Errorf("market index %d for currency %d: %w", i, g.Config.CurrencyID, model.ErrInvalidMarket)
	}
	return nil
}

// LiquidityHaircut returns the percentage haircut applied to the claims of a
// liquidity token.
func (g *CashGroup) LiquidityHaircut(t model.AssetType) (int64, error) {
	if !t.IsLiquidityToken() {
		return 0, fmt.Errorf("asset type %d is not a liquidity token: %w", t, model.ErrInvalidMarket)
	}
	i := t.MarketIndex()
	if err := g.CheckMarketIndex(i); err != nil {
		return 0, err
	}
	return g.Config.LiquidityTokenHaircuts[i-1], nil
}

// RateScalar returns the curve scalar of market i at the given time to
// maturity: scalar * RatePrecision * Year / ttm. It steepens as the market
// approaches maturity.
func (g *CashGroup) RateScalar(i int, timeToMaturity int64) (int64, error) {
	if err := g.CheckMarketIndex(i); err != nil {
		return 0, err
	}
	if timeToMaturity <= 0 {
		return 0, fmt.Errorf("time to maturity %d: %w", timeToMaturity, model.ErrMarketMatured)
	}
	s, err := fp.MulDivInt64(g.Config.RateScalars[i-1]*fp.RatePrecision, fp.ImpliedRateTime, timeToMaturity)
	if err != nil {
		return 0, err
	}
	if s <= 0 {
		return 0, fmt.Errorf("rate scalar for market %d: %w", i, model.ErrInvalidMarket)
	}
	return s, nil
}

// RateAnchor returns the initial annualized implied rate of market i.
func (g *CashGroup) RateAnchor(i int) (int64, error) {
	if err := g.CheckMarketIndex(i); err != nil {
		return 0, err
	}
	return g.Config.RateAnchors[i-1], nil
}

// MarketMaturity returns the maturity of market i as of blockTime.
func (g *CashGroup) MarketMaturity(i int, blockTime int64) (int64, error) {
	if err := g.CheckMarketIndex(i); err != nil {
		return 0, err
	}
	return datetime.MarketMaturity(i, blockTime), nil
}

// ActiveMaturities lists every on-the-run market maturity, nearest first.
func (g *CashGroup) ActiveMaturities(blockTime int64) []int64 {
	out := make([]int64, 0, g.Config.MaxMarketIndex)
	for i := 1; i <= g.Config.MaxMarketIndex; i++ {
		out = append(out, datetime.MarketMaturity(i, blockTime))
	}
	return out
}

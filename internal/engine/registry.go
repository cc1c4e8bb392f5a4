package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/state"
)

// ListCurrency registers a currency together with its cash group.
func (s *Service) ListCurrency(ctx context.Context, c model.Currency, cfg model.CashGroupConfig, blockTime int64) error {
	_, err := s.mutate(ctx, "list_currency", blockTime, func(v *state.View) error {
		if err := cashgroup.ValidateCurrency(c); err != nil {
			return err
		}
		if cfg.CurrencyID != c.ID {
			return fmt.Errorf("cash group for currency %d listed under %d: %w", cfg.CurrencyID, c.ID, model.ErrInvalidConfig)
		}
		if err := cashgroup.Validate(cfg); err != nil {
			return err
		}
		if _, err := v.Currency(ctx, c.ID); err == nil {
			return fmt.Errorf("currency %d: %w", c.ID, model.ErrAlreadyExists)
		} else if !state.IsNotFound(err) {
			return err
		}
		v.SetCurrency(c)
		v.SetCashGroup(cfg.Clone())
		v.Emit(model.EventListCurrency, "", c.ID, 0, nil)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("currency listed", "currency", c.ID, "symbol", c.Symbol, "markets", cfg.MaxMarketIndex)
	return nil
}

// UpdateCashGroup replaces a currency's cash group parameters.
func (s *Service) UpdateCashGroup(ctx context.Context, cfg model.CashGroupConfig, blockTime int64) error {
	_, err := s.mutate(ctx, "update_cash_group", blockTime, func(v *state.View) error {
		prev, err := v.CashGroup(ctx, cfg.CurrencyID)
		if err != nil {
			return err
		}
		if err := cashgroup.ValidateUpdate(*prev, cfg); err != nil {
			return err
		}
		v.SetCashGroup(cfg.Clone())
		v.Emit(model.EventUpdateCashGroup, "", cfg.CurrencyID, 0, nil)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("cash group updated", "currency", cfg.CurrencyID, "markets", cfg.MaxMarketIndex)
	return nil
}

// InitializeMarketRequest seeds the market of MarketIndex with the
// provider's cash and fCash.
type InitializeMarketRequest struct {
	Account     string          `json:"account"`
	CurrencyID  uint16          `json:"currency_id"`
	MarketIndex int             `json:"market_index"`
	AssetCash   decimal.Decimal `json:"asset_cash"`
	FCash       decimal.Decimal `json:"fcash"`
	BlockTime   int64           `json:"block_time"`
}

// InitializeMarket creates the market at a maturity on first use. The
// provider pays AssetCash from its balance, receives liquidity tokens and
// owes FCash.
func (s *Service) InitializeMarket(ctx context.Context, req InitializeMarketRequest) (model.Market, error) {
	if err := requireAccount(req.Account); err != nil {
		return model.Market{}, err
	}
	var out model.Market
	_, err := s.mutate(ctx, "initialize_market", req.BlockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, req.Account); err != nil {
			return err
		}
		cg, err := cashgroup.Load(ctx, v, s.oracle, req.CurrencyID)
		if err != nil {
			return err
		}
		maturity, err := cg.MarketMaturity(req.MarketIndex, req.BlockTime)
		if err != nil {
			return err
		}
		if existing, err := v.Market(ctx, req.CurrencyID, maturity); err == nil && existing.TotalLiquidity.IsPositive() {
			return fmt.Errorf("market %d/%d: %w", req.CurrencyID, maturity, model.ErrAlreadyExists)
		} else if err != nil && !state.IsNotFound(err) {
			return err
		}

		m, err := market.Initialize(cg, req.MarketIndex, req.AssetCash, req.FCash, req.BlockTime)
		if err != nil {
			return err
		}
		if err := v.SetMarket(m); err != nil {
			return err
		}
		if err := s.payFromBalance(ctx, v, req.Account, req.CurrencyID, req.AssetCash); err != nil {
			return err
		}
		acct, err := v.Account(ctx, req.Account)
		if err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, maturity, model.LiquidityTokenType(req.MarketIndex), m.TotalLiquidity, s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, maturity, model.AssetTypeFCash, req.FCash.Neg(), s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := v.SetAccount(req.Account, acct); err != nil {
			return err
		}
		if err := s.checkFreeCollateral(ctx, v, req.Account); err != nil {
			return err
		}

		v.Emit(model.EventInitializeMarket, req.Account, req.CurrencyID, maturity, map[string]decimal.Decimal{
			"asset_cash": req.AssetCash,
			"fcash":      req.FCash,
			"tokens":     m.TotalLiquidity,
		})
		out = m
		return nil
	})
	if err != nil {
		return model.Market{}, err
	}
	s.refreshMarketGauge(ctx, req.CurrencyID)
	slog.Info("market initialized",
		"currency", req.CurrencyID,
		"maturity", out.Maturity,
		"asset_cash", req.AssetCash.String(),
		"fcash", req.FCash.String(),
		"implied_rate", out.LastImpliedRate,
	)
	return out, nil
}

// payFromBalance debits cash the account must already hold.
func (s *Service) payFromBalance(ctx context.Context, v *state.View, account string, currencyID uint16, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s: %w", amount, model.ErrNegativeAmount)
	}
	bal, err := v.Balance(ctx, account, currencyID)
	if err != nil {
		return err
	}
	if bal.CashBalance().LessThan(amount) {
		return fmt.Errorf("account %s holds %s, needs %s: %w", account, bal.CashBalance(), amount, model.ErrInsufficientCash)
	}
	return v.AddCash(ctx, account, currencyID, amount.Neg())
}

func (s *Service) refreshMarketGauge(ctx context.Context, currencyID uint16) {
	markets, err := s.store.ListMarkets(ctx, currencyID)
	if err != nil {
		return
	}
	metrics.ActiveMarkets.WithLabelValues(strconv.Itoa(int(currencyID))).Set(float64(len(markets)))
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/correlation"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/state"
)

// TradeRequest lends (positive FCashAmount) or borrows (negative) fCash on
// the market of MarketIndex. Zero rate bounds are open.
type TradeRequest struct {
	Account        string          `json:"account"`
	CurrencyID     uint16          `json:"currency_id"`
	MarketIndex    int             `json:"market_index"`
	FCashAmount    decimal.Decimal `json:"fcash_amount"`
	MinImpliedRate int64           `json:"min_implied_rate"`
	MaxImpliedRate int64           `json:"max_implied_rate"`
	BlockTime      int64           `json:"block_time"`
}

// TradeResponse reports an executed trade.
type TradeResponse struct {
	Maturity           int64           `json:"maturity"`
	FCashAmount        decimal.Decimal `json:"fcash_amount"`
	AssetCashToAccount decimal.Decimal `json:"asset_cash_to_account"`
	AssetCashToReserve decimal.Decimal `json:"asset_cash_to_reserve"`
	Fee                decimal.Decimal `json:"fee"`
	ExecutionRate      int64           `json:"execution_rate"`
	LastImpliedRate    int64           `json:"last_implied_rate"`
}

// Trade executes against the market, moves the cash between the account,
// the pool and the reserve, and books the fCash in the account's portfolio.
func (s *Service) Trade(ctx context.Context, req TradeRequest) (TradeResponse, error) {
	if err := requireAccount(req.Account); err != nil {
		return TradeResponse{}, err
	}
	var resp TradeResponse
	_, err := s.mutate(ctx, "trade", req.BlockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, req.Account); err != nil {
			return err
		}
		cg, err := cashgroup.Load(ctx, v, s.oracle, req.CurrencyID)
		if err != nil {
			return err
		}
		m, err := market.Load(ctx, v, cg, req.MarketIndex, req.BlockTime)
		if err != nil {
			return err
		}
		acct, err := v.Account(ctx, req.Account)
		if err != nil {
			return err
		}
		if err := s.opts.Limiter.CheckLimit(m.Maturity, req.FCashAmount, correlation.Exposures(acct.Assets(), req.CurrencyID)); err != nil {
			return err
		}

		res, err := market.CalculateTrade(m, cg, market.Trade{
			MarketIndex:    req.MarketIndex,
			FCashToAccount: req.FCashAmount,
			MinImpliedRate: req.MinImpliedRate,
			MaxImpliedRate: req.MaxImpliedRate,
			BlockTime:      req.BlockTime,
		})
		if err != nil {
			return err
		}
		if err := v.SetMarket(res.Market); err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, m.Maturity, model.AssetTypeFCash, req.FCashAmount, s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := v.SetAccount(req.Account, acct); err != nil {
			return err
		}
		if err := v.AddCash(ctx, req.Account, req.CurrencyID, res.AssetCashToAccount); err != nil {
			return err
		}
		if err := v.AddCash(ctx, model.ReserveAccount, req.CurrencyID, res.AssetCashToReserve); err != nil {
			return err
		}
		if err := s.checkFreeCollateral(ctx, v, req.Account); err != nil {
			return err
		}

		v.Emit(model.EventTrade, req.Account, req.CurrencyID, m.Maturity, map[string]decimal.Decimal{
			"fcash":          req.FCashAmount,
			"asset_cash":     res.AssetCashToAccount,
			"reserve":        res.AssetCashToReserve,
			"fee":            res.Fee,
			"execution_rate": decimal.NewFromInt(res.ExecutionRate),
		})
		resp = TradeResponse{
			Maturity:           m.Maturity,
			FCashAmount:        req.FCashAmount,
			AssetCashToAccount: res.AssetCashToAccount,
			AssetCashToReserve: res.AssetCashToReserve,
			Fee:                res.Fee,
			ExecutionRate:      res.ExecutionRate,
			LastImpliedRate:    res.Market.LastImpliedRate,
		}
		return nil
	})
	if err != nil {
		return TradeResponse{}, err
	}

	side := "lend"
	if req.FCashAmount.IsNegative() {
		side = "borrow"
	}
	cur := strconv.Itoa(int(req.CurrencyID))
	metrics.TradesTotal.WithLabelValues(cur, side).Inc()
	volume, _ := req.FCashAmount.Abs().Div(fp.TokenUnit).Float64()
	metrics.TradeVolume.WithLabelValues(cur, side).Add(volume)

	slog.Info("trade executed",
		"account", req.Account,
		"currency", req.CurrencyID,
		"maturity", resp.Maturity,
		"side", side,
		"fcash", req.FCashAmount.String(),
		"asset_cash", resp.AssetCashToAccount.String(),
		"fee", resp.Fee.String(),
		"execution_rate", resp.ExecutionRate,
		"last_implied_rate", resp.LastImpliedRate,
	)
	return resp, nil
}

// LiquidityRequest adds AssetCash to, or removes Tokens from, the market of
// MarketIndex.
type LiquidityRequest struct {
	Account     string          `json:"account"`
	CurrencyID  uint16          `json:"currency_id"`
	MarketIndex int             `json:"market_index"`
	AssetCash   decimal.Decimal `json:"asset_cash,omitempty"`
	Tokens      decimal.Decimal `json:"tokens,omitempty"`
	BlockTime   int64           `json:"block_time"`
}

// LiquidityResponse reports the token, cash and fCash movements of a
// liquidity operation from the account's side.
type LiquidityResponse struct {
	Maturity  int64           `json:"maturity"`
	Tokens    decimal.Decimal `json:"tokens"`
	AssetCash decimal.Decimal `json:"asset_cash"`
	FCash     decimal.Decimal `json:"fcash"`
}

// AddLiquidity deposits cash from the account's balance into a market in
// exchange for liquidity tokens and an fCash liability.
func (s *Service) AddLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityResponse, error) {
	if err := requireAccount(req.Account); err != nil {
		return LiquidityResponse{}, err
	}
	var resp LiquidityResponse
	_, err := s.mutate(ctx, "add_liquidity", req.BlockTime, func(v *state.View) error {
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
		m, err := v.Market(ctx, req.CurrencyID, maturity)
		if err != nil {
			return err
		}
		next, tokens, netfCash, err := market.AddLiquidity(*m, req.AssetCash, req.BlockTime)
		if err != nil {
			return err
		}
		if err := v.SetMarket(next); err != nil {
			return err
		}
		if err := s.payFromBalance(ctx, v, req.Account, req.CurrencyID, req.AssetCash); err != nil {
			return err
		}
		acct, err := v.Account(ctx, req.Account)
		if err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, maturity, model.LiquidityTokenType(req.MarketIndex), tokens, s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, maturity, model.AssetTypeFCash, netfCash, s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := v.SetAccount(req.Account, acct); err != nil {
			return err
		}
		if err := s.checkFreeCollateral(ctx, v, req.Account); err != nil {
			return err
		}

		v.Emit(model.EventAddLiquidity, req.Account, req.CurrencyID, maturity, map[string]decimal.Decimal{
			"asset_cash": req.AssetCash,
			"tokens":     tokens,
			"fcash":      netfCash,
		})
		resp = LiquidityResponse{Maturity: maturity, Tokens: tokens, AssetCash: req.AssetCash.Neg(), FCash: netfCash}
		return nil
	})
	if err != nil {
		return LiquidityResponse{}, err
	}
	metrics.LiquidityOps.WithLabelValues(strconv.Itoa(int(req.CurrencyID)), "add").Inc()
	slog.Info("liquidity added",
		"account", req.Account,
		"currency", req.CurrencyID,
		"maturity", resp.Maturity,
		"asset_cash", req.AssetCash.String(),
		"tokens", resp.Tokens.String(),
	)
	return resp, nil
}

// RemoveLiquidity redeems liquidity tokens for their share of the market's
// cash and fCash.
func (s *Service) RemoveLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityResponse, error) {
	if err := requireAccount(req.Account); err != nil {
		return LiquidityResponse{}, err
	}
	if !req.Tokens.IsPositive() {
		return LiquidityResponse{}, fmt.Errorf("remove %s tokens: %w", req.Tokens, model.ErrNegativeAmount)
	}
	var resp LiquidityResponse
	_, err := s.mutate(ctx, "remove_liquidity", req.BlockTime, func(v *state.View) error {
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
		m, err := v.Market(ctx, req.CurrencyID, maturity)
		if err != nil {
			return err
		}
		acct, err := v.Account(ctx, req.Account)
		if err != nil {
			return err
		}
		// Fails with ErrNegativeAmount when the account holds fewer tokens.
		if err := acct.AddAsset(req.CurrencyID, maturity, model.LiquidityTokenType(req.MarketIndex), req.Tokens.Neg(), s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		next, cash, fCash, err := market.RemoveLiquidity(*m, req.Tokens)
		if err != nil {
			return err
		}
		if err := v.SetMarket(next); err != nil {
			return err
		}
		if err := acct.AddAsset(req.CurrencyID, maturity, model.AssetTypeFCash, fCash, s.opts.MaxPortfolioAssets); err != nil {
			return err
		}
		if err := v.SetAccount(req.Account, acct); err != nil {
			return err
		}
		if err := v.AddCash(ctx, req.Account, req.CurrencyID, cash); err != nil {
			return err
		}

		v.Emit(model.EventRemoveLiquidity, req.Account, req.CurrencyID, maturity, map[string]decimal.Decimal{
			"tokens":     req.Tokens,
			"asset_cash": cash,
			"fcash":      fCash,
		})
		resp = LiquidityResponse{Maturity: maturity, Tokens: req.Tokens.Neg(), AssetCash: cash, FCash: fCash}
		return nil
	})
	if err != nil {
		return LiquidityResponse{}, err
	}
	metrics.LiquidityOps.WithLabelValues(strconv.Itoa(int(req.CurrencyID)), "remove").Inc()
	slog.Info("liquidity removed",
		"account", req.Account,
		"currency", req.CurrencyID,
		"maturity", resp.Maturity,
		"tokens", req.Tokens.String(),
		"asset_cash", resp.AssetCash.String(),
	)
	return resp, nil
}

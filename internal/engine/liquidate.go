package engine

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/state"
)

// LiquidateRequest asks Liquidator to restore Account's position in
// CurrencyID. A zero MaxLocalAmount leaves the restored amount uncapped.
type LiquidateRequest struct {
	Account        string          `json:"account"`
	Liquidator     string          `json:"liquidator"`
	CurrencyID     uint16          `json:"currency_id"`
	MaxLocalAmount decimal.Decimal `json:"max_local_amount"`
	BlockTime      int64           `json:"block_time"`
}

// LiquidateLocalCurrency settles both parties and liquidates the account's
// local currency position.
func (s *Service) LiquidateLocalCurrency(ctx context.Context, req LiquidateRequest) (liquidation.Result, error) {
	if err := requireAccount(req.Account); err != nil {
		return liquidation.Result{}, err
	}
	if err := requireAccount(req.Liquidator); err != nil {
		return liquidation.Result{}, err
	}
	var res liquidation.Result
	_, err := s.mutate(ctx, "liquidate_local", req.BlockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, req.Account); err != nil {
			return err
		}
		if err := s.settle(ctx, v, req.Liquidator); err != nil {
			return err
		}
		var err error
		res, err = liquidation.LiquidateLocalCurrency(ctx, v, s.oracle, s.oracle, liquidation.Request{
			Account:        req.Account,
			Liquidator:     req.Liquidator,
			CurrencyID:     req.CurrencyID,
			MaxLocalAmount: req.MaxLocalAmount,
			BlockTime:      req.BlockTime,
			MaxAssets:      s.opts.MaxPortfolioAssets,
		})
		return err
	})
	if err != nil {
		return liquidation.Result{}, err
	}
	metrics.LiquidationsTotal.WithLabelValues(strconv.Itoa(int(req.CurrencyID))).Inc()
	return res, nil
}

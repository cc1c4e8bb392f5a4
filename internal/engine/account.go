package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
	"github.com/atmx/fcash-engine/internal/settlement"
	"github.com/atmx/fcash-engine/internal/state"
)

// Deposit transfers asset tokens in from the account and credits the amount
// actually received to its cash balance.
func (s *Service) Deposit(ctx context.Context, account string, currencyID uint16, amount decimal.Decimal, blockTime int64) (decimal.Decimal, error) {
	if err := requireAccount(account); err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("deposit %s: %w", amount, model.ErrNegativeAmount)
	}
	var received decimal.Decimal
	_, err := s.mutate(ctx, "deposit", blockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, account); err != nil {
			return err
		}
		c, err := v.Currency(ctx, currencyID)
		if err != nil {
			return err
		}
		received, err = s.tokens.TransferIn(ctx, c.AssetToken, account, amount)
		if err != nil {
			return fmt.Errorf("transfer in %s: %w", c.AssetToken, err)
		}
		if err := v.AddAssetTransfer(ctx, account, currencyID, received); err != nil {
			return err
		}
		v.Emit(model.EventDeposit, account, currencyID, 0, map[string]decimal.Decimal{"amount": received})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("deposit", "account", account, "currency", currencyID, "amount", received.String())
	return received, nil
}

// Withdraw debits the account's cash balance and transfers the tokens out.
// The account must remain collateralized.
func (s *Service) Withdraw(ctx context.Context, account string, currencyID uint16, amount decimal.Decimal, blockTime int64) error {
	if err := requireAccount(account); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("withdraw %s: %w", amount, model.ErrNegativeWithdraw)
	}
	if amount.IsZero() {
		return fmt.Errorf("withdraw %s: %w", amount, model.ErrNegativeAmount)
	}
	_, err := s.mutate(ctx, "withdraw", blockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, account); err != nil {
			return err
		}
		c, err := v.Currency(ctx, currencyID)
		if err != nil {
			return err
		}
		bal, err := v.Balance(ctx, account, currencyID)
		if err != nil {
			return err
		}
		if bal.CashBalance().LessThan(amount) {
			return fmt.Errorf("withdraw %s of %s: %w", amount, bal.CashBalance(), model.ErrInsufficientCash)
		}
		if err := v.AddAssetTransfer(ctx, account, currencyID, amount.Neg()); err != nil {
			return err
		}
		if err := s.checkFreeCollateral(ctx, v, account); err != nil {
			return err
		}
		// Last step: nothing after it may fail.
		if err := s.tokens.TransferOut(ctx, c.AssetToken, account, amount); err != nil {
			return fmt.Errorf("transfer out %s: %w", c.AssetToken, err)
		}
		v.Emit(model.EventWithdraw, account, currencyID, 0, map[string]decimal.Decimal{"amount": amount})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("withdraw", "account", account, "currency", currencyID, "amount", amount.String())
	return nil
}

// EnableBitmapCurrency switches the account to hold currencyID's fCash in a
// bitmap portfolio. The account may not hold any fCash or liquidity tokens
// while switching. A zero currencyID turns the bitmap off.
func (s *Service) EnableBitmapCurrency(ctx context.Context, account string, currencyID uint16, blockTime int64) error {
	if err := requireAccount(account); err != nil {
		return err
	}
	_, err := s.mutate(ctx, "enable_bitmap", blockTime, func(v *state.View) error {
		if err := s.settle(ctx, v, account); err != nil {
			return err
		}
		if currencyID != 0 {
			if _, err := v.Currency(ctx, currencyID); err != nil {
				return err
			}
		}
		acct, err := v.Account(ctx, account)
		if err != nil {
			return err
		}
		if acct.Context.BitmapCurrencyID == currencyID {
			return nil
		}
		if len(acct.Assets()) > 0 {
			return fmt.Errorf("account %s holds assets: %w", account, model.ErrBitmapCurrency)
		}
		acct.Context.BitmapCurrencyID = currencyID
		acct.Bitmap = nil
		if currencyID != 0 {
			acct.Bitmap = portfolio.NewBitmap(currencyID, blockTime)
		}
		acct.Refresh()
		if err := v.SetAccount(account, acct); err != nil {
			return err
		}
		v.Emit(model.EventEnableBitmap, account, currencyID, 0, nil)
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("bitmap currency set", "account", account, "currency", currencyID)
	return nil
}

// SettleAccount settles every matured asset of the account. It reports
// whether anything was settled.
func (s *Service) SettleAccount(ctx context.Context, account string, blockTime int64) (bool, error) {
	var settled bool
	_, err := s.mutate(ctx, "settle_account", blockTime, func(v *state.View) error {
		var err error
		settled, err = settlement.SettleAccount(ctx, v, s.oracle, account, blockTime)
		return err
	})
	if err != nil {
		return false, err
	}
	if settled {
		metrics.SettlementsTotal.Inc()
	}
	return settled, nil
}

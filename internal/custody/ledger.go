// Package custody tracks the asset tokens the engine holds on behalf of
// accounts. Moving tokens on an external chain is out of scope: the ledger
// records what was received and paid out per token and holder.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

var ErrInsufficientCustody = errors.New("custody: insufficient tokens in custody")

type holding struct {
	token, holder string
}

// Ledger is an in-memory TokenAdapter. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	totals   map[string]decimal.Decimal
	deposits map[holding]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{
		totals:   make(map[string]decimal.Decimal),
		deposits: make(map[holding]decimal.Decimal),
	}
}

// TransferIn takes amount of token from an account into custody and
// returns the amount received.
func (l *Ledger) TransferIn(_ context.Context, token, from string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("transfer in %s: %w", amount, model.ErrNegativeAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals[token] = l.totals[token].Add(amount)
	k := holding{token, from}
	l.deposits[k] = l.deposits[k].Add(amount)
	return amount, nil
}

// TransferOut releases amount of token to an account. Custody can pay out
// interest and liquidation proceeds, so an account may withdraw more than
// it deposited, but never more than the custody total.
func (l *Ledger) TransferOut(_ context.Context, token, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("transfer out %s: %w", amount, model.ErrNegativeAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totals[token].LessThan(amount) {
		return fmt.Errorf("%s holds %s, paying %s: %w", token, l.totals[token], amount, ErrInsufficientCustody)
	}
	l.totals[token] = l.totals[token].Sub(amount)
	k := holding{token, to}
	l.deposits[k] = l.deposits[k].Sub(amount)
	return nil
}

// Total is the amount of token in custody.
func (l *Ledger) Total(token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[token]
}

// NetDeposits is what holder paid in minus what it was paid out.
func (l *Ledger) NetDeposits(token, holder string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deposits[holding{token, holder}]
}

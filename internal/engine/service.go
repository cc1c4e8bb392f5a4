// Package engine runs every fCash operation as one atomic mutation over the
// store. A Service serializes mutations, stages them in a state.View and
// commits the write set in a single store.Apply; a failed operation writes
// nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/assetrate"
	"github.com/atmx/fcash-engine/internal/correlation"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/settlement"
	"github.com/atmx/fcash-engine/internal/state"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/valuation"
)

// RateOracle supplies live asset and ETH exchange rates.
type RateOracle interface {
	assetrate.Oracle
	valuation.ETHRates
}

// TokenAdapter moves asset tokens between accounts and the engine's custody.
// TransferIn returns the amount actually received.
type TokenAdapter interface {
	TransferIn(ctx context.Context, token, from string, amount decimal.Decimal) (decimal.Decimal, error)
	TransferOut(ctx context.Context, token, to string, amount decimal.Decimal) error
}

// Publisher receives the events and market states of every commit.
type Publisher interface {
	Publish(ctx context.Context, events []model.Event, markets []model.Market) error
}

// Options tune a Service.
type Options struct {
	// MaxPortfolioAssets caps the array portfolio of an account.
	MaxPortfolioAssets int
	// Limiter, when set, bounds the fCash an account may trade into.
	Limiter *correlation.PositionLimiter
}

// DefaultMaxPortfolioAssets is used when Options leaves the cap unset.
const DefaultMaxPortfolioAssets = 16

// Service executes engine operations. Uses a mutex for serialized execution
// (single-instance).
type Service struct {
	store     store.Store
	oracle    RateOracle
	tokens    TokenAdapter
	publisher Publisher
	opts      Options
	mu        sync.Mutex
}

// NewService creates a Service. Pass nil for pub if events are not needed.
func NewService(st store.Store, oracle RateOracle, tokens TokenAdapter, pub Publisher, opts Options) *Service {
	if opts.MaxPortfolioAssets <= 0 {
		opts.MaxPortfolioAssets = DefaultMaxPortfolioAssets
	}
	return &Service{
		store:     st,
		oracle:    oracle,
		tokens:    tokens,
		publisher: pub,
		opts:      opts,
	}
}

// Store exposes the underlying store for read-only queries.
func (s *Service) Store() store.Store { return s.store }

// mutate runs fn against a fresh view at blockTime and commits its writes.
func (s *Service) mutate(ctx context.Context, op string, blockTime int64, fn func(v *state.View) error) ([]model.Event, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	v := state.New(s.store, blockTime)
	if err := fn(v); err != nil {
		metrics.RejectedOps.WithLabelValues(op, model.Code(err)).Inc()
		slog.Debug("operation rejected", "op", op, "code", model.Code(err), "error", err)
		return nil, err
	}
	b, err := v.Commit(ctx)
	if err != nil {
		metrics.RejectedOps.WithLabelValues(op, model.Code(err)).Inc()
		return nil, err
	}
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if s.publisher != nil && (len(b.Events) > 0 || len(b.Markets) > 0) {
		if err := s.publisher.Publish(ctx, b.Events, b.Markets); err != nil {
			// The commit stands; subscribers can replay from the event log.
			slog.Error("publish failed", "op", op, "events", len(b.Events), "error", err)
		}
	}
	return b.Events, nil
}

// settle brings an account up to date before it is mutated.
func (s *Service) settle(ctx context.Context, v *state.View, account string) error {
	if _, err := settlement.SettleAccount(ctx, v, s.oracle, account, v.BlockTime()); err != nil {
		return fmt.Errorf("settle %s: %w", account, err)
	}
	return nil
}

// checkFreeCollateral fails when the account is left undercollateralized.
func (s *Service) checkFreeCollateral(ctx context.Context, v *state.View, account string) error {
	fc, err := valuation.FreeCollateral(ctx, v, s.oracle, s.oracle, account, v.BlockTime())
	if err != nil {
		return err
	}
	if fc.FreeCollateral.IsNegative() {
		return fmt.Errorf("account %s free collateral %s: %w", account, fc.FreeCollateral, model.ErrInsufficientFreeCollateral)
	}
	return nil
}

func requireAccount(account string) error {
	if account == "" {
		return errors.New("engine: account is required")
	}
	if account == model.ReserveAccount {
		return fmt.Errorf("engine: %q is reserved: %w", account, model.ErrInvalidConfig)
	}
	return nil
}

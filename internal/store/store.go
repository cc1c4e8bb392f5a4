// Package store defines the persistence interface for the fCash engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/fcash-engine/internal/model"
)

// Store is the persistence interface. Reads of registry data (currencies,
// cash groups, markets, settlement rates) return model.ErrNotFound when
// missing; account reads return empty values for unknown accounts.
type Store interface {
	// --- Registry ---

	GetCurrency(ctx context.Context, id uint16) (*model.Currency, error)
	ListCurrencies(ctx context.Context) ([]model.Currency, error)
	GetCashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error)

	// --- Markets ---

	GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error)
	// ListMarkets returns every market of a currency ordered by maturity.
	ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error)
	GetSettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error)

	// --- Accounts ---

	GetAccountContext(ctx context.Context, account string) (*model.AccountContext, error)
	// GetPortfolio returns the array portfolio sorted by asset key.
	GetPortfolio(ctx context.Context, account string) ([]model.Asset, error)
	// GetBitmap returns nil without error when the account has no bitmap.
	GetBitmap(ctx context.Context, account string) (*model.BitmapPortfolio, error)
	GetBalance(ctx context.Context, account string, currencyID uint16) (*model.BalanceState, error)
	ListAccounts(ctx context.Context) ([]string, error)

	// --- Immutable event log ---

	// ListEvents returns events for an account, or every event when account
	// is empty, oldest first.
	ListEvents(ctx context.Context, account string) ([]model.Event, error)

	// Apply commits a batch atomically: either every write lands or none do.
	Apply(ctx context.Context, b *Batch) error
}

// AccountWrite replaces an account's context and portfolio. A nil Bitmap
// removes any stored bitmap.
type AccountWrite struct {
	Account   string
	Context   model.AccountContext
	Portfolio []model.Asset
	Bitmap    *model.BitmapPortfolio
}

// Batch is the write set of one engine operation. Settlement rates are
// insert-only: a rate already stored for a maturity is left untouched.
type Batch struct {
	Currencies      []model.Currency
	CashGroups      []model.CashGroupConfig
	Markets         []model.Market
	SettlementRates []model.SettlementRate
	Accounts        []AccountWrite
	Balances        []model.BalanceState
	Events          []model.Event
}

// Empty reports whether the batch writes nothing.
func (b *Batch) Empty() bool {
	return len(b.Currencies) == 0 && len(b.CashGroups) == 0 && len(b.Markets) == 0 &&
		len(b.SettlementRates) == 0 && len(b.Accounts) == 0 && len(b.Balances) == 0 &&
		len(b.Events) == 0
}

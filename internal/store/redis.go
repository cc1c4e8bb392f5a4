package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for registry and market data. Writes go to the primary store and
// invalidate the touched keys; reads check Redis first then fall back to the
// primary. Account state is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, b *Batch) error {
	if err := s.primary.Apply(ctx, b); err != nil {
		return err
	}
	var keys []string
	for _, c := range b.Currencies {
		keys = append(keys, currencyKey(c.ID))
	}
	for _, cg := range b.CashGroups {
		keys = append(keys, cashGroupKey(cg.CurrencyID))
	}
	for _, m := range b.Markets {
		keys = append(keys, marketCacheKey(m.CurrencyID, m.Maturity))
	}
	if len(keys) == 0 {
		return nil
	}
	// The primary already committed; a stale entry expires with the TTL.
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "error", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCurrency(ctx context.Context, id uint16) (*model.Currency, error) {
	var c model.Currency
	if s.getJSON(ctx, currencyKey(id), &c) {
		return &c, nil
	}
	got, err := s.primary.GetCurrency(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, currencyKey(id), got, s.ttl)
	return got, nil
}

// GetCashGroup caches the packed form of the config.
func (s *CachedStore) GetCashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error) {
	data, err := s.rdb.Get(ctx, cashGroupKey(currencyID)).Bytes()
	if err == nil {
		if cfg, err := cashgroup.Unpack(data); err == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.primary.GetCashGroup(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	if packed, err := cashgroup.Pack(*cfg); err == nil {
		s.rdb.Set(ctx, cashGroupKey(currencyID), packed, s.ttl)
	}
	return cfg, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketCacheKey(currencyID, maturity), &m) {
		return &m, nil
	}
	got, err := s.primary.GetMarket(ctx, currencyID, maturity)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, marketCacheKey(currencyID, maturity), got, s.ttl)
	return got, nil
}

// GetSettlementRate caches without expiry: a stored rate never changes.
func (s *CachedStore) GetSettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error) {
	var sr model.SettlementRate
	if s.getJSON(ctx, settlementRateKey(currencyID, maturity), &sr) {
		return &sr, nil
	}
	got, err := s.primary.GetSettlementRate(ctx, currencyID, maturity)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, settlementRateKey(currencyID, maturity), got, 0)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	return s.primary.ListCurrencies(ctx)
}

func (s *CachedStore) ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, currencyID)
}

func (s *CachedStore) GetAccountContext(ctx context.Context, account string) (*model.AccountContext, error) {
	return s.primary.GetAccountContext(ctx, account)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, account string) ([]model.Asset, error) {
	return s.primary.GetPortfolio(ctx, account)
}

func (s *CachedStore) GetBitmap(ctx context.Context, account string) (*model.BitmapPortfolio, error) {
	return s.primary.GetBitmap(ctx, account)
}

func (s *CachedStore) GetBalance(ctx context.Context, account string, currencyID uint16) (*model.BalanceState, error) {
	return s.primary.GetBalance(ctx, account, currencyID)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, account string) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

func currencyKey(id uint16) string             { return fmt.Sprintf("fcash:currency:%d", id) }
func cashGroupKey(id uint16) string            { return fmt.Sprintf("fcash:cashgroup:%d", id) }
func marketCacheKey(id uint16, m int64) string { return fmt.Sprintf("fcash:market:%d:%d", id, m) }
func settlementRateKey(id uint16, m int64) string {
	return fmt.Sprintf("fcash:settlement-rate:%d:%d", id, m)
}

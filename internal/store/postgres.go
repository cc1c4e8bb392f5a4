package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/portfolio"
)

//go:embed migrations/001_init.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All balances and notionals are stored as NUMERIC for exact precision and
// read back through ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// parseDecimals parses NUMERIC::TEXT columns into their destinations.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		dst := pairs[i].(*decimal.Decimal)
		d, err := decimal.NewFromString(pairs[i+1].(string))
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", pairs[i+1], err)
		}
		*dst = d
	}
	return nil
}

// --- Registry ---

const currencyColumns = `id, symbol, asset_token, underlying_token, underlying_decimals, haircut, buffer, liquidation_discount`

func scanCurrency(row pgx.Row) (model.Currency, error) {
	var c model.Currency
	var id int32
	err := row.Scan(&id, &c.Symbol, &c.AssetToken, &c.UnderlyingToken,
		&c.UnderlyingDecimals, &c.Haircut, &c.Buffer, &c.LiquidationDiscount)
	c.ID = uint16(id)
	return c, err
}

func (s *PostgresStore) GetCurrency(ctx context.Context, id uint16) (*model.Currency, error) {
	c, err := scanCurrency(s.pool.QueryRow(ctx,
		`SELECT `+currencyColumns+` FROM currencies WHERE id = $1`, int32(id)))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get currency %d", id))
	}
	return &c, nil
}

func (s *PostgresStore) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+currencyColumns+` FROM currencies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Currency
	for rows.Next() {
		c, err := scanCurrency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCashGroup(ctx context.Context, currencyID uint16) (*model.CashGroupConfig, error) {
	var packed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT packed FROM cash_groups WHERE currency_id = $1`, int32(currencyID)).Scan(&packed)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get cash group %d", currencyID))
	}
	cfg, err := cashgroup.Unpack(packed)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// --- Markets ---

const marketColumns = `currency_id, maturity, total_fcash::TEXT, total_asset_cash::TEXT, total_liquidity::TEXT,
	last_implied_rate, oracle_rate, previous_trade_time`

func scanMarket(row pgx.Row) (model.Market, error) {
	var m model.Market
	var cur int32
	var fCash, cash, liquidity string
	if err := row.Scan(&cur, &m.Maturity, &fCash, &cash, &liquidity,
		&m.LastImpliedRate, &m.OracleRate, &m.PreviousTradeTime); err != nil {
		return m, err
	}
	m.CurrencyID = uint16(cur)
	err := parseDecimals(&m.TotalFCash, fCash, &m.TotalAssetCash, cash, &m.TotalLiquidity, liquidity)
	return m, err
}

func (s *PostgresStore) GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE currency_id = $1 AND maturity = $2`,
		int32(currencyID), maturity))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get market %d/%d", currencyID, maturity))
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE currency_id = $1 ORDER BY maturity`, int32(currencyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSettlementRate(ctx context.Context, currencyID uint16, maturity int64) (*model.SettlementRate, error) {
	sr := model.SettlementRate{CurrencyID: currencyID, Maturity: maturity}
	var rate string
	err := s.pool.QueryRow(ctx,
		`SELECT rate::TEXT, underlying_decimals, block_time
		 FROM settlement_rates WHERE currency_id = $1 AND maturity = $2`,
		int32(currencyID), maturity).Scan(&rate, &sr.UnderlyingDecimals, &sr.BlockTime)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get settlement rate %d/%d", currencyID, maturity))
	}
	if err := parseDecimals(&sr.Rate, rate); err != nil {
		return nil, err
	}
	return &sr, nil
}

// --- Accounts ---

func (s *PostgresStore) GetAccountContext(ctx context.Context, account string) (*model.AccountContext, error) {
	var c model.AccountContext
	var debt int16
	var bitmapCurrency int32
	var active string
	err := s.pool.QueryRow(ctx,
		`SELECT next_settle_time, has_debt, bitmap_currency_id, active_currencies::TEXT
		 FROM account_contexts WHERE account = $1`, account).
		Scan(&c.NextSettleTime, &debt, &bitmapCurrency, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account context %s: %w", account, err)
	}
	c.HasDebt = model.DebtFlags(debt)
	c.BitmapCurrencyID = uint16(bitmapCurrency)
	if err := json.Unmarshal([]byte(active), &c.ActiveCurrencies); err != nil {
		return nil, fmt.Errorf("decode active currencies %s: %w", account, err)
	}
	return &c, nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, account string) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency_id, maturity, asset_type, notional::TEXT
		 FROM portfolio_assets WHERE account = $1
		 ORDER BY currency_id, maturity, asset_type`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		var a model.Asset
		var cur int32
		var typ int16
		var notional string
		if err := rows.Scan(&cur, &a.Maturity, &typ, &notional); err != nil {
			return nil, err
		}
		a.CurrencyID = uint16(cur)
		a.AssetType = model.AssetType(typ)
		if err := parseDecimals(&a.Notional, notional); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetBitmap rebuilds the bit set from the stored notionals.
func (s *PostgresStore) GetBitmap(ctx context.Context, account string) (*model.BitmapPortfolio, error) {
	var cur int32
	var ref int64
	var notionals string
	err := s.pool.QueryRow(ctx,
		`SELECT currency_id, reference_time, notionals::TEXT FROM bitmap_portfolios WHERE account = $1`, account).
		Scan(&cur, &ref, &notionals)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bitmap %s: %w", account, err)
	}
	bp := portfolio.NewBitmap(uint16(cur), ref)
	if err := json.Unmarshal([]byte(notionals), &bp.Notionals); err != nil {
		return nil, fmt.Errorf("decode bitmap %s: %w", account, err)
	}
	if err := portfolio.Remap(bp, ref); err != nil {
		return nil, fmt.Errorf("bitmap %s: %w", account, err)
	}
	return bp, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, account string, currencyID uint16) (*model.BalanceState, error) {
	b := model.BalanceState{Account: account, CurrencyID: currencyID}
	var cash, share string
	err := s.pool.QueryRow(ctx,
		`SELECT stored_cash_balance::TEXT, stored_share_balance::TEXT
		 FROM balances WHERE account = $1 AND currency_id = $2`, account, int32(currencyID)).
		Scan(&cash, &share)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%d: %w", account, currencyID, err)
	}
	if err := parseDecimals(&b.StoredCashBalance, cash, &b.StoredShareBalance, share); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account FROM account_contexts
		 UNION SELECT account FROM balances
		 ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *PostgresStore) ListEvents(ctx context.Context, account string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, type, account, currency_id, maturity, amounts::TEXT, block_time
		 FROM events WHERE $1 = '' OR account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var cur int32
		var typ string
		var amounts string
		if err := rows.Scan(&e.ID, &typ, &e.Account, &cur, &e.Maturity, &amounts, &e.BlockTime); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		e.CurrencyID = uint16(cur)
		if err := json.Unmarshal([]byte(amounts), &e.Amounts); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Writes ---

// Apply writes the batch in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := applyBatch(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func applyBatch(ctx context.Context, tx pgx.Tx, b *Batch) error {
	for _, c := range b.Currencies {
		if _, err := tx.Exec(ctx,
			`INSERT INTO currencies (`+currencyColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   symbol = EXCLUDED.symbol, asset_token = EXCLUDED.asset_token,
			   underlying_token = EXCLUDED.underlying_token, underlying_decimals = EXCLUDED.underlying_decimals,
			   haircut = EXCLUDED.haircut, buffer = EXCLUDED.buffer,
			   liquidation_discount = EXCLUDED.liquidation_discount`,
			int32(c.ID), c.Symbol, c.AssetToken, c.UnderlyingToken,
			c.UnderlyingDecimals, c.Haircut, c.Buffer, c.LiquidationDiscount); err != nil {
			return fmt.Errorf("write currency %d: %w", c.ID, err)
		}
	}
	for _, cg := range b.CashGroups {
		packed, err := cashgroup.Pack(cg)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cash_groups (currency_id, packed) VALUES ($1, $2)
			 ON CONFLICT (currency_id) DO UPDATE SET packed = EXCLUDED.packed`,
			int32(cg.CurrencyID), packed); err != nil {
			return fmt.Errorf("write cash group %d: %w", cg.CurrencyID, err)
		}
	}
	for _, m := range b.Markets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets (currency_id, maturity, total_fcash, total_asset_cash, total_liquidity,
			                      last_implied_rate, oracle_rate, previous_trade_time)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
			 ON CONFLICT (currency_id, maturity) DO UPDATE SET
			   total_fcash = EXCLUDED.total_fcash, total_asset_cash = EXCLUDED.total_asset_cash,
			   total_liquidity = EXCLUDED.total_liquidity, last_implied_rate = EXCLUDED.last_implied_rate,
			   oracle_rate = EXCLUDED.oracle_rate, previous_trade_time = EXCLUDED.previous_trade_time`,
			int32(m.CurrencyID), m.Maturity,
			m.TotalFCash.String(), m.TotalAssetCash.String(), m.TotalLiquidity.String(),
			m.LastImpliedRate, m.OracleRate, m.PreviousTradeTime); err != nil {
			return fmt.Errorf("write market %d/%d: %w", m.CurrencyID, m.Maturity, err)
		}
	}
	for _, r := range b.SettlementRates {
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlement_rates (currency_id, maturity, rate, underlying_decimals, block_time)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)
			 ON CONFLICT (currency_id, maturity) DO NOTHING`,
			int32(r.CurrencyID), r.Maturity, r.Rate.String(), r.UnderlyingDecimals, r.BlockTime); err != nil {
			return fmt.Errorf("write settlement rate %d/%d: %w", r.CurrencyID, r.Maturity, err)
		}
	}
	for _, a := range b.Accounts {
		if err := writeAccount(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, bal := range b.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (account, currency_id, stored_cash_balance, stored_share_balance)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (account, currency_id) DO UPDATE SET
			   stored_cash_balance = EXCLUDED.stored_cash_balance,
			   stored_share_balance = EXCLUDED.stored_share_balance`,
			bal.Account, int32(bal.CurrencyID),
			bal.StoredCashBalance.String(), bal.StoredShareBalance.String()); err != nil {
			return fmt.Errorf("write balance %s/%d: %w", bal.Account, bal.CurrencyID, err)
		}
	}
	for _, e := range b.Events {
		amounts, err := json.Marshal(e.Amounts)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (id, type, account, currency_id, maturity, amounts, block_time)
			 VALUES ($1::UUID, $2, $3, $4, $5, $6::JSONB, $7)`,
			e.ID, string(e.Type), e.Account, int32(e.CurrencyID), e.Maturity, string(amounts), e.BlockTime); err != nil {
			return fmt.Errorf("write event %s: %w", e.ID, err)
		}
	}
	return nil
}

func writeAccount(ctx context.Context, tx pgx.Tx, a AccountWrite) error {
	active, err := json.Marshal(a.Context.ActiveCurrencies)
	if err != nil {
		return err
	}
	if a.Context.ActiveCurrencies == nil {
		active = []byte("[]")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO account_contexts (account, next_settle_time, has_debt, bitmap_currency_id, active_currencies)
		 VALUES ($1, $2, $3, $4, $5::JSONB)
		 ON CONFLICT (account) DO UPDATE SET
		   next_settle_time = EXCLUDED.next_settle_time, has_debt = EXCLUDED.has_debt,
		   bitmap_currency_id = EXCLUDED.bitmap_currency_id, active_currencies = EXCLUDED.active_currencies`,
		a.Account, a.Context.NextSettleTime, int16(a.Context.HasDebt),
		int32(a.Context.BitmapCurrencyID), string(active)); err != nil {
		return fmt.Errorf("write account %s: %w", a.Account, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM portfolio_assets WHERE account = $1`, a.Account); err != nil {
		return err
	}
	for _, as := range a.Portfolio {
		if _, err := tx.Exec(ctx,
			`INSERT INTO portfolio_assets (account, currency_id, maturity, asset_type, notional)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
			a.Account, int32(as.CurrencyID), as.Maturity, int16(as.AssetType), as.Notional.String()); err != nil {
			return fmt.Errorf("write asset %s: %w", a.Account, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bitmap_portfolios WHERE account = $1`, a.Account); err != nil {
		return err
	}
	if a.Bitmap == nil {
		return nil
	}
	notionals, err := json.Marshal(a.Bitmap.Notionals)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO bitmap_portfolios (account, currency_id, reference_time, notionals)
		 VALUES ($1, $2, $3, $4::JSONB)`,
		a.Account, int32(a.Bitmap.CurrencyID), a.Bitmap.ReferenceTime, string(notionals))
	if err != nil {
		return fmt.Errorf("write bitmap %s: %w", a.Account, err)
	}
	return nil
}

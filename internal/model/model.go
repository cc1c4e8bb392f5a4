// Package model defines the core domain types shared across the fCash engine.
// All balances and notionals use shopspring/decimal holding integers in
// internal token precision (1e8). Rates are int64 in rate precision (1e9).
package model

import (
	"github.com/shopspring/decimal"
)

// ReserveAccount is the protocol reserve that receives its share of trading fees.
const ReserveAccount = "reserve"

// Currency is a listed currency. Haircut, Buffer and LiquidationDiscount are
// percentages applied when converting net local value into ETH.
type Currency struct {
	ID                  uint16 `json:"id" db:"id" yaml:"id" validate:"required"`
	Symbol              string `json:"symbol" db:"symbol" yaml:"symbol" validate:"required"`
	AssetToken          string `json:"asset_token" db:"asset_token" yaml:"asset_token" validate:"required"`
	UnderlyingToken     string `json:"underlying_token" db:"underlying_token" yaml:"underlying_token"`
	UnderlyingDecimals  int32  `json:"underlying_decimals" db:"underlying_decimals" yaml:"underlying_decimals" validate:"min=0,max=18"`
	Haircut             int64  `json:"haircut" db:"haircut" yaml:"haircut" validate:"min=0,max=100"`
	Buffer              int64  `json:"buffer" db:"buffer" yaml:"buffer" validate:"min=100,max=255"`
	LiquidationDiscount int64  `json:"liquidation_discount" db:"liquidation_discount" yaml:"liquidation_discount" validate:"min=100,max=255"`
}

// CashGroupConfig governs the family of markets listed for one currency.
// Fee, buffer and haircut fields are basis points; ReserveFeeShare and
// MarginRewardRate are percentages. Per-market slices have MaxMarketIndex entries.
type CashGroupConfig struct {
	CurrencyID                 uint16  `json:"currency_id" yaml:"currency_id" validate:"required"`
	MaxMarketIndex             int     `json:"max_market_index" yaml:"max_market_index" validate:"min=1,max=7"`
	RateOracleTimeWindow       int64   `json:"rate_oracle_time_window" yaml:"rate_oracle_time_window" validate:"gt=0,max=4294967295"`
	TotalFeeBps                int64   `json:"total_fee_bps" yaml:"total_fee_bps" validate:"min=0,max=65535"`
	ReserveFeeShare            int64   `json:"reserve_fee_share" yaml:"reserve_fee_share" validate:"min=0,max=100"`
	DebtBufferBps              int64   `json:"debt_buffer_bps" yaml:"debt_buffer_bps" validate:"min=0,max=65535"`
	FCashHaircutBps            int64   `json:"fcash_haircut_bps" yaml:"fcash_haircut_bps" validate:"min=0,max=65535"`
	SettlementPenaltyBps       int64   `json:"settlement_penalty_bps" yaml:"settlement_penalty_bps" validate:"min=0,max=65535"`
	LiquidationFCashHaircutBps int64   `json:"liquidation_fcash_haircut_bps" yaml:"liquidation_fcash_haircut_bps" validate:"min=0,max=65535"`
	LiquidationDebtBufferBps   int64   `json:"liquidation_debt_buffer_bps" yaml:"liquidation_debt_buffer_bps" validate:"min=0,max=65535"`
	MarginRewardRate           int64   `json:"margin_reward_rate" yaml:"margin_reward_rate" validate:"min=0,max=100"`
	LiquidityTokenHaircuts     []int64 `json:"liquidity_token_haircuts" yaml:"liquidity_token_haircuts" validate:"dive,min=0,max=100"`
	RateScalars                []int64 `json:"rate_scalars" yaml:"rate_scalars" validate:"dive,min=1,max=65535"`
	RateAnchors                []int64 `json:"rate_anchors" yaml:"rate_anchors" validate:"dive,min=0,max=4294967295"`
}

// Clone returns a deep copy.
func (c CashGroupConfig) Clone() CashGroupConfig {
	c.LiquidityTokenHaircuts = append([]int64(nil), c.LiquidityTokenHaircuts...)
	c.RateScalars = append([]int64(nil), c.RateScalars...)
	c.RateAnchors = append([]int64(nil), c.RateAnchors...)
	return c
}

// Market is the AMM state for one (currency, maturity).
type Market struct {
	CurrencyID        uint16          `json:"currency_id" db:"currency_id"`
	Maturity          int64           `json:"maturity" db:"maturity"`
	TotalFCash        decimal.Decimal `json:"total_fcash" db:"total_fcash"`
	TotalAssetCash    decimal.Decimal `json:"total_asset_cash" db:"total_asset_cash"`
	TotalLiquidity    decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
	LastImpliedRate   int64           `json:"last_implied_rate" db:"last_implied_rate"`
	OracleRate        int64           `json:"oracle_rate" db:"oracle_rate"`
	PreviousTradeTime int64           `json:"previous_trade_time" db:"previous_trade_time"`
}

// IsMatured reports whether the market can no longer be traded at blockTime.
func (m Market) IsMatured(blockTime int64) bool {
	return m.Maturity <= blockTime
}

// AssetType distinguishes fCash from liquidity tokens. Liquidity tokens encode
// the market index they were minted on: type = 1 + marketIndex.
type AssetType uint8

const (
	AssetTypeFCash AssetType = 1
	// AssetTypeLiquidityToken1 is the 3 month liquidity token; the 20 year
	// token is AssetTypeLiquidityToken1 + 6.
	AssetTypeLiquidityToken1 AssetType = 2
	maxAssetType             AssetType = 8
)

// LiquidityTokenType returns the asset type of a token minted on marketIndex.
func LiquidityTokenType(marketIndex int) AssetType {
	return AssetType(1 + marketIndex)
}

func (t AssetType) IsLiquidityToken() bool {
	return t >= AssetTypeLiquidityToken1 && t <= maxAssetType
}

func (t AssetType) IsValid() bool {
	return t == AssetTypeFCash || t.IsLiquidityToken()
}

// MarketIndex returns the market index for a liquidity token type, 0 for fCash.
func (t AssetType) MarketIndex() int {
	if !t.IsLiquidityToken() {
		return 0
	}
	return int(t) - 1
}

func (t AssetType) String() string {
	if t == AssetTypeFCash {
		return "fCash"
	}
	if t.IsLiquidityToken() {
		return "LiquidityToken"
	}
	return "Unknown"
}

// Asset is a single portfolio position.
type Asset struct {
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	AssetType  AssetType       `json:"asset_type"`
	Notional   decimal.Decimal `json:"notional"`
}

// Less orders assets by (currency, maturity, asset type).
func (a Asset) Less(b Asset) bool {
	if a.CurrencyID != b.CurrencyID {
		return a.CurrencyID < b.CurrencyID
	}
	if a.Maturity != b.Maturity {
		return a.Maturity < b.Maturity
	}
	return a.AssetType < b.AssetType
}

// SameKey reports whether two assets occupy the same portfolio slot.
func (a Asset) SameKey(currencyID uint16, maturity int64, assetType AssetType) bool {
	return a.CurrencyID == currencyID && a.Maturity == maturity && a.AssetType == assetType
}

// Bitmap is a 256 bit set. Bit 1 is the most significant bit of Words[0].
type Bitmap [4]uint64

// BitmapPortfolio holds the fCash of a bitmap-currency account. Notionals is
// keyed by maturity; every set bit has exactly one non-zero entry.
type BitmapPortfolio struct {
	CurrencyID    uint16                    `json:"currency_id"`
	ReferenceTime int64                     `json:"reference_time"`
	Bits          Bitmap                    `json:"bits"`
	Notionals     map[int64]decimal.Decimal `json:"notionals"`
}

// Clone returns a deep copy.
func (b *BitmapPortfolio) Clone() *BitmapPortfolio {
	if b == nil {
		return nil
	}
	c := *b
	c.Notionals = make(map[int64]decimal.Decimal, len(b.Notionals))
	for k, v := range b.Notionals {
		c.Notionals[k] = v
	}
	return &c
}

// DebtFlags records which kinds of debt an account carries.
type DebtFlags uint8

const (
	DebtNone  DebtFlags = 0
	AssetDebt DebtFlags = 0x01
	CashDebt  DebtFlags = 0x02
	BothDebt            = AssetDebt | CashDebt
)

func (f DebtFlags) HasAssetDebt() bool { return f&AssetDebt != 0 }
func (f DebtFlags) HasCashDebt() bool  { return f&CashDebt != 0 }

func (f DebtFlags) String() string {
	switch f {
	case DebtNone:
		return "none"
	case AssetDebt:
		return "hasAssetDebt"
	case CashDebt:
		return "hasCashDebt"
	default:
		return "hasBoth"
	}
}

// ActiveCurrency marks a currency as referenced by an account's balances,
// portfolio, or both.
type ActiveCurrency struct {
	ID          uint16 `json:"id"`
	InPortfolio bool   `json:"in_portfolio"`
	InBalances  bool   `json:"in_balances"`
}

// AccountContext is the per-account summary kept alongside the portfolio.
type AccountContext struct {
	NextSettleTime   int64            `json:"next_settle_time"`
	HasDebt          DebtFlags        `json:"has_debt"`
	ActiveCurrencies []ActiveCurrency `json:"active_currencies"`
	BitmapCurrencyID uint16           `json:"bitmap_currency_id"`
}

// Clone returns a deep copy.
func (c AccountContext) Clone() AccountContext {
	c.ActiveCurrencies = append([]ActiveCurrency(nil), c.ActiveCurrencies...)
	return c
}

// BalanceState is an account's cash position in one currency. The Net* fields
// accumulate changes within a single operation and are flushed on finalize.
type BalanceState struct {
	Account            string          `json:"account"`
	CurrencyID         uint16          `json:"currency_id"`
	StoredCashBalance  decimal.Decimal `json:"stored_cash_balance"`
	StoredShareBalance decimal.Decimal `json:"stored_share_balance"`

	NetCashChange    decimal.Decimal `json:"-"`
	NetAssetTransfer decimal.Decimal `json:"-"`
	NetShareTransfer decimal.Decimal `json:"-"`
}

// CashBalance is the stored cash balance plus in-flight changes.
func (b BalanceState) CashBalance() decimal.Decimal {
	return b.StoredCashBalance.Add(b.NetCashChange).Add(b.NetAssetTransfer)
}

// ShareBalance is the stored share balance plus in-flight transfers.
func (b BalanceState) ShareBalance() decimal.Decimal {
	return b.StoredShareBalance.Add(b.NetShareTransfer)
}

// Finalize folds in-flight changes into the stored balances.
func (b *BalanceState) Finalize() {
	b.StoredCashBalance = b.CashBalance()
	b.StoredShareBalance = b.ShareBalance()
	b.NetCashChange = decimal.Zero
	b.NetAssetTransfer = decimal.Zero
	b.NetShareTransfer = decimal.Zero
}

// SettlementRate is the asset rate frozen for a maturity on first settlement.
type SettlementRate struct {
	CurrencyID         uint16          `json:"currency_id"`
	Maturity           int64           `json:"maturity"`
	Rate               decimal.Decimal `json:"rate"`
	UnderlyingDecimals int32           `json:"underlying_decimals"`
	BlockTime          int64           `json:"block_time"`
}

// EventType names a committed ledger mutation.
type EventType string

const (
	EventListCurrency      EventType = "ListCurrency"
	EventUpdateCashGroup   EventType = "UpdateCashGroup"
	EventInitializeMarket  EventType = "InitializeMarket"
	EventDeposit           EventType = "Deposit"
	EventWithdraw          EventType = "Withdraw"
	EventEnableBitmap      EventType = "EnableBitmapCurrency"
	EventAddLiquidity      EventType = "AddLiquidity"
	EventRemoveLiquidity   EventType = "RemoveLiquidity"
	EventTrade             EventType = "Trade"
	EventSettleAccount     EventType = "SettleAccount"
	EventSetSettlementRate EventType = "SetSettlementRate"
	EventLiquidateLocal    EventType = "LiquidateLocalCurrency"
)

// Event is an immutable record of a committed mutation. Once created, events
// are never modified or deleted.
type Event struct {
	ID         string                     `json:"id"`
	Type       EventType                  `json:"type"`
	Account    string                     `json:"account,omitempty"`
	CurrencyID uint16                     `json:"currency_id"`
	Maturity   int64                      `json:"maturity,omitempty"`
	Amounts    map[string]decimal.Decimal `json:"amounts,omitempty"`
	BlockTime  int64                      `json:"block_time"`
}

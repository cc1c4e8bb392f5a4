package model

import "errors"

// Engine error taxonomy. Every error aborts the enclosing operation with no
// state change. Callers match with errors.Is; Code maps them to stable names.
var (
	ErrInvalidProportion          = errors.New("fcash: invalid market proportion")
	ErrInvalidMarket              = errors.New("fcash: invalid market")
	ErrInsufficientLiquidity      = errors.New("fcash: insufficient liquidity")
	ErrSlippageExceeded           = errors.New("fcash: trade rate outside slippage bounds")
	ErrInsufficientCash           = errors.New("fcash: insufficient cash balance")
	ErrNegativeWithdraw           = errors.New("fcash: negative withdraw amount")
	ErrOverMaxAssets              = errors.New("fcash: portfolio over max assets")
	ErrInsufficientFreeCollateral = errors.New("fcash: insufficient free collateral")
	ErrOverflow                   = errors.New("fcash: arithmetic overflow")

	ErrNegativeAmount  = errors.New("fcash: negative amount")
	ErrInvalidMaturity = errors.New("fcash: invalid maturity")
	ErrMarketMatured   = errors.New("fcash: market has matured")
	ErrCannotLiquidate = errors.New("fcash: account cannot be liquidated")
	ErrBitmapCurrency  = errors.New("fcash: operation not allowed for bitmap currency account")
	ErrNotFound        = errors.New("fcash: not found")
	ErrAlreadyExists   = errors.New("fcash: already exists")
	ErrInvalidConfig   = errors.New("fcash: invalid configuration")
	ErrPositionLimit   = errors.New("fcash: position limit exceeded")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidProportion, "InvalidProportion"},
	{ErrInvalidMarket, "InvalidMarket"},
	{ErrInsufficientLiquidity, "InsufficientLiquidity"},
	{ErrSlippageExceeded, "SlippageExceeded"},
	{ErrInsufficientCash, "InsufficientCash"},
	{ErrNegativeWithdraw, "NegativeWithdraw"},
	{ErrOverMaxAssets, "OverMaxAssets"},
	{ErrInsufficientFreeCollateral, "InsufficientFreeCollateral"},
	{ErrOverflow, "Overflow"},
	{ErrNegativeAmount, "NegativeAmount"},
	{ErrInvalidMaturity, "InvalidMaturity"},
	{ErrMarketMatured, "MarketMatured"},
	{ErrCannotLiquidate, "CannotLiquidate"},
	{ErrBitmapCurrency, "BitmapCurrency"},
	{ErrNotFound, "NotFound"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrInvalidConfig, "InvalidConfig"},
	{ErrPositionLimit, "PositionLimitExceeded"},
}

// Code returns the taxonomy name of err, or "Internal" for errors outside it.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

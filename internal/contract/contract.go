// Package contract handles fCash market ticker formatting and parsing.
// A ticker names one maturity of one currency, e.g. FCASH-CDAI-20250815.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
)

// tickerRegex matches: FCASH-{SYMBOL}-{YYYYMMDD}
var tickerRegex = regexp.MustCompile(`^FCASH-([A-Z0-9]{1,16})-(\d{8})$`)

const dateLayout = "20060102"

var (
	ErrInvalidTicker   = errors.New("contract: invalid ticker format")
	ErrInvalidMaturity = errors.New("contract: maturity is not a market maturity")
)

// Contract is a parsed fCash ticker.
type Contract struct {
	Ticker   string    `json:"ticker"`
	Symbol   string    `json:"symbol"`
	Maturity int64     `json:"maturity"`
	Expiry   time.Time `json:"expiry"`
}

// FormatTicker builds the ticker of the fCash maturing at maturity (unix
// seconds). Symbols are upper cased.
func FormatTicker(symbol string, maturity int64) string {
	return fmt.Sprintf("FCASH-%s-%s", strings.ToUpper(symbol), time.Unix(maturity, 0).UTC().Format(dateLayout))
}

// ParseTicker parses and validates a ticker string.
// Format: FCASH-{SYMBOL}-{YYYYMMDD}
func ParseTicker(ticker string) (*Contract, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected FCASH-{SYMBOL}-{YYYYMMDD})", ErrInvalidTicker, ticker)
	}

	expiry, err := time.Parse(dateLayout, matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	return &Contract{
		Ticker:   ticker,
		Symbol:   matches[1],
		Maturity: expiry.Unix(),
		Expiry:   expiry,
	}, nil
}

// MarketIndex resolves the contract to the on-the-run market it trades on
// at blockTime. Idiosyncratic maturities have no market.
func (c *Contract) MarketIndex(maxMarketIndex int, blockTime int64) (int, error) {
	if c.Maturity%fp.Day != 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMaturity, c.Ticker)
	}
	idx, idiosyncratic, ok := datetime.MarketIndex(maxMarketIndex, c.Maturity, blockTime)
	if !ok || idiosyncratic {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMaturity, c.Ticker)
	}
	return idx, nil
}

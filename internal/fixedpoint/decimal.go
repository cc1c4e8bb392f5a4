package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

// Div returns trunc(a / b). It panics when b is zero, as decimal.Div does;
// callers guard data-dependent divisors.
func Div(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// SafeDiv is Div returning ErrOverflow instead of panicking on a zero divisor.
func SafeDiv(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("divide by zero: %w", model.ErrOverflow)
	}
	return Div(a, b), nil
}

// MulDiv returns trunc(a * b / c).
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return Div(a.Mul(b), c)
}

// MulRate returns trunc(a * rate / RatePrecision).
func MulRate(a decimal.Decimal, rate int64) decimal.Decimal {
	return Div(a.Mul(decimal.NewFromInt(rate)), RP)
}

// DivRate returns trunc(a * RatePrecision / rate).
func DivRate(a decimal.Decimal, rate int64) decimal.Decimal {
	return Div(a.Mul(RP), decimal.NewFromInt(rate))
}

// Percent returns trunc(a * pct / 100).
func Percent(a decimal.Decimal, pct int64) decimal.Decimal {
	return Div(a.Mul(decimal.NewFromInt(pct)), Percentage)
}

// IsInteger reports whether d has no fractional part.
func IsInteger(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// CheckBits fails with ErrOverflow when x is fractional or does not fit in
// the given bit width.
func CheckBits(x decimal.Decimal, bits uint, signed bool) error {
	if !IsInteger(x) {
		return fmt.Errorf("%s is not an integer: %w", x, model.ErrOverflow)
	}
	v := x.BigInt()
	var lo, hi *big.Int
	if signed {
		hi = new(big.Int).Lsh(big.NewInt(1), bits-1)
		lo = new(big.Int).Neg(hi)
	} else {
		hi = new(big.Int).Lsh(big.NewInt(1), bits)
		lo = big.NewInt(0)
	}
	if v.Cmp(lo) < 0 || v.Cmp(hi) >= 0 {
		return fmt.Errorf("%s exceeds %d bits: %w", x, bits, model.ErrOverflow)
	}
	return nil
}

// CheckNotional bounds a stored notional or market total.
func CheckNotional(x decimal.Decimal) error {
	return CheckBits(x, NotionalBits, true)
}

// CheckRate bounds a stored implied or oracle rate.
func CheckRate(r int64) error {
	if r < 0 || r > MaxRate {
		return fmt.Errorf("rate %d: %w", r, model.ErrOverflow)
	}
	return nil
}

// MulDivInt64 returns trunc(a * b / c) computed without intermediate overflow.
func MulDivInt64(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, fmt.Errorf("divide by zero: %w", model.ErrOverflow)
	}
	z := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	z.Quo(z, big.NewInt(c))
	if !z.IsInt64() {
		return 0, fmt.Errorf("%d*%d/%d: %w", a, b, c, model.ErrOverflow)
	}
	return z.Int64(), nil
}

// ToInt64 converts an integral decimal into int64.
func ToInt64(d decimal.Decimal) (int64, error) {
	v := d.BigInt()
	if !IsInteger(d) || !v.IsInt64() {
		return 0, fmt.Errorf("%s: %w", d, model.ErrOverflow)
	}
	return v.Int64(), nil
}

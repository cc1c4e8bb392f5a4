package fixedpoint

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Signed 64.64 fixed-point helpers. A value v represents v / 2^64.

var (
	rp64   = FromInt(big.NewInt(RatePrecision))
	expMax = new(big.Int).Lsh(big.NewInt(64), 64)
	expMin = new(big.Int).Neg(expMax)

	// ln(2) and 1/ln(2) scaled by 2^128.
	ln2Scaled, _    = new(big.Int).SetString("B17217F7D1CF79ABC9E3B39803F2F1AF", 16)
	log2eScaled, _  = new(big.Int).SetString("171547652B82FE1777D0FFDA0D23A7D12", 16)
	exp2Factors     = buildExp2Factors()
	exp2ResultStart = new(big.Int).Lsh(big.NewInt(1), 127)
)

// buildExp2Factors returns floor(2^(2^-k) * 2^128) for k = 1..64, indexed k-1.
func buildExp2Factors() [64]*big.Int {
	var out [64]*big.Int
	v := new(big.Float).SetPrec(512).SetInt64(2)
	scale := new(big.Float).SetPrec(512).SetInt(new(big.Int).Lsh(big.NewInt(1), 128))
	for k := 0; k < 64; k++ {
		v = new(big.Float).SetPrec(512).Sqrt(v)
		f := new(big.Float).SetPrec(512).Mul(v, scale)
		out[k], _ = f.Int(nil)
	}
	return out
}

// FromInt converts an integer into 64.64.
func FromInt(x *big.Int) *big.Int {
	return new(big.Int).Lsh(x, 64)
}

// ToInt rounds a 64.64 value down to an integer.
func ToInt(x *big.Int) *big.Int {
	return new(big.Int).Rsh(x, 64)
}

// Div64 divides two 64.64 values, truncating toward zero.
func Div64(x, y *big.Int) *big.Int {
	z := new(big.Int).Lsh(x, 64)
	return z.Quo(z, y)
}

// Mul64 multiplies two 64.64 values, rounding down.
func Mul64(x, y *big.Int) *big.Int {
	z := new(big.Int).Mul(x, y)
	return z.Rsh(z, 64)
}

// Log2 returns log2(x) for x > 0 using the binary squaring method. The
// mantissa squaring runs on 256-bit unsigned words.
func Log2(x *big.Int) (*big.Int, bool) {
	if x.Sign() <= 0 {
		return nil, false
	}
	msb := x.BitLen() - 1
	result := new(big.Int).Lsh(big.NewInt(int64(msb-64)), 64)

	var norm *big.Int
	if msb <= 127 {
		norm = new(big.Int).Lsh(x, uint(127-msb))
	} else {
		norm = new(big.Int).Rsh(x, uint(msb-127))
	}
	ux, overflow := uint256.FromBig(norm)
	if overflow {
		return nil, false
	}

	b := new(uint256.Int)
	for bit := uint64(1) << 63; bit > 0; bit >>= 1 {
		ux.Mul(ux, ux)
		b.Rsh(ux, 255)
		ux.Rsh(ux, uint(127+b.Uint64()))
		if b.Uint64() == 1 {
			result.Add(result, new(big.Int).SetUint64(bit))
		}
	}
	return result, true
}

// Ln returns the natural logarithm of x for x > 0.
func Ln(x *big.Int) (*big.Int, bool) {
	l, ok := Log2(x)
	if !ok {
		return nil, false
	}
	z := new(big.Int).Mul(l, ln2Scaled)
	return z.Rsh(z, 128), true
}

// Exp2 returns 2^x. Inputs at or above 64 overflow; inputs below -64 give 0.
func Exp2(x *big.Int) (*big.Int, bool) {
	if x.Cmp(expMax) >= 0 {
		return nil, false
	}
	if x.Cmp(expMin) < 0 {
		return new(big.Int), true
	}
	n := new(big.Int).Rsh(x, 64)
	frac := new(big.Int).Sub(x, new(big.Int).Lsh(n, 64))

	result := new(big.Int).Set(exp2ResultStart)
	for k := 0; k < 64; k++ {
		if frac.Bit(63-k) == 1 {
			result.Mul(result, exp2Factors[k])
			result.Rsh(result, 128)
		}
	}
	shift := 63 - n.Int64()
	return result.Rsh(result, uint(shift)), true
}

// Exp returns e^x.
func Exp(x *big.Int) (*big.Int, bool) {
	if x.Cmp(expMax) >= 0 {
		return nil, false
	}
	if x.Cmp(expMin) < 0 {
		return new(big.Int), true
	}
	z := new(big.Int).Mul(x, log2eScaled)
	return Exp2(z.Rsh(z, 128))
}

// LnRate returns trunc-down(ln(x / RatePrecision) * RatePrecision) for x > 0.
func LnRate(x int64) (int64, bool) {
	if x <= 0 {
		return 0, false
	}
	l, ok := Ln(Div64(FromInt(big.NewInt(x)), rp64))
	if !ok {
		return 0, false
	}
	r := ToInt(Mul64(l, rp64))
	if !r.IsInt64() {
		return 0, false
	}
	return r.Int64(), true
}

// ExpRate returns trunc-down(e^(x / RatePrecision) * RatePrecision). It fails
// when the result does not fit in an int64.
func ExpRate(x int64) (int64, bool) {
	e, ok := Exp(Div64(FromInt(big.NewInt(x)), rp64))
	if !ok {
		return 0, false
	}
	r := ToInt(Mul64(e, rp64))
	if !r.IsInt64() {
		return 0, false
	}
	return r.Int64(), true
}

// LogProportion returns ln(p / (1 - p)) in rate precision for a proportion p
// strictly inside (0, RatePrecision).
func LogProportion(p int64) (int64, bool) {
	if p <= 0 || p >= RatePrecision {
		return 0, false
	}
	q := p * RatePrecision / (RatePrecision - p)
	return LnRate(q)
}

package portfolio

import (
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/datetime"
	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Bit numbering is 1..256 with bit 1 the most significant bit of word 0.

func wordAndMask(bit int) (int, uint64) {
	i := bit - 1
	return i / 64, uint64(1) << (63 - uint(i%64))
}

// IsBitSet reports whether bit is set.
func IsBitSet(b model.Bitmap, bit int) bool {
	w, m := wordAndMask(bit)
	return b[w]&m != 0
}

// SetBit sets or clears bit.
func SetBit(b *model.Bitmap, bit int, on bool) {
	w, m := wordAndMask(bit)
	if on {
		b[w] |= m
	} else {
		b[w] &^= m
	}
}

// TotalBitsSet counts the set bits.
func TotalBitsSet(b model.Bitmap) int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// NewBitmap returns an empty bitmap portfolio anchored at blockTime's day.
func NewBitmap(currencyID uint16, blockTime int64) *model.BitmapPortfolio {
	return &model.BitmapPortfolio{
		CurrencyID:    currencyID,
		ReferenceTime: datetime.TimeUTC0(blockTime),
		Notionals:     make(map[int64]decimal.Decimal),
	}
}

// CheckBitmapAsset fails with ErrBitmapCurrency for assets a bitmap cannot hold.
func CheckBitmapAsset(bp *model.BitmapPortfolio, currencyID uint16, t model.AssetType) error {
	if currencyID != bp.CurrencyID {
		return fmt.Errorf("currency %d in bitmap of currency %d: %w", currencyID, bp.CurrencyID, model.ErrBitmapCurrency)
	}
	if t != model.AssetTypeFCash {
		return fmt.Errorf("asset type %s: %w", t, model.ErrBitmapCurrency)
	}
	return nil
}

// SetfCashAsset adds delta to the notional at maturity, setting or clearing
// its bit. The bitmap is unchanged when an error is returned.
func SetfCashAsset(bp *model.BitmapPortfolio, maturity int64, delta decimal.Decimal) error {
	bit, exact := datetime.BitNumFromMaturity(bp.ReferenceTime, maturity)
	if !exact {
		return fmt.Errorf("maturity %d not on bitmap schedule: %w", maturity, model.ErrInvalidMaturity)
	}
	next := bp.Notionals[maturity].Add(delta)
	if err := fp.CheckNotional(next); err != nil {
		return err
	}
	if next.IsZero() {
		SetBit(&bp.Bits, bit, false)
		delete(bp.Notionals, maturity)
		return nil
	}
	if !IsBitSet(bp.Bits, bit) && TotalBitsSet(bp.Bits) >= fp.MaxBitmapAssets {
		return fmt.Errorf("bitmap holds %d assets: %w", fp.MaxBitmapAssets, model.ErrOverMaxAssets)
	}
	SetBit(&bp.Bits, bit, true)
	if bp.Notionals == nil {
		bp.Notionals = make(map[int64]decimal.Decimal)
	}
	bp.Notionals[maturity] = next
	return nil
}

// GetifCashArray lists the fCash held in a bitmap in maturity order.
func GetifCashArray(bp *model.BitmapPortfolio) []model.Asset {
	if bp == nil {
		return nil
	}
	var out []model.Asset
	for bit := 1; bit <= datetime.MaxQuarterBit; bit++ {
		if !IsBitSet(bp.Bits, bit) {
			continue
		}
		m := datetime.MaturityFromBitNum(bp.ReferenceTime, bit)
		out = append(out, model.Asset{
			CurrencyID: bp.CurrencyID,
			Maturity:   m,
			AssetType:  model.AssetTypeFCash,
			Notional:   bp.Notionals[m],
		})
	}
	return out
}

// Remap re-anchors a bitmap at a later reference time. Every remaining
// maturity must lie after the new reference day.
func Remap(bp *model.BitmapPortfolio, blockTime int64) error {
	ref := datetime.TimeUTC0(blockTime)
	var next model.Bitmap
	for m := range bp.Notionals {
		bit, exact := datetime.BitNumFromMaturity(ref, m)
		if !exact {
			return fmt.Errorf("remap maturity %d to reference %d: %w", m, ref, model.ErrInvalidMaturity)
		}
		SetBit(&next, bit, true)
	}
	bp.Bits = next
	bp.ReferenceTime = ref
	return nil
}

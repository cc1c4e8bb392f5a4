package cashgroup

import (
	"encoding/binary"
	"fmt"

	fp "github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
)

// Packed layout, big endian:
//
//	0   currency id            u16
//	2   max market index       u8
//	3   oracle window seconds  u32
//	7   total fee bps          u16
//	9   reserve fee share %    u8
//	10  debt buffer bps        u16
//	12  fCash haircut bps      u16
//	14  settlement penalty bps u16
//	16  liq fCash haircut bps  u16
//	18  liq debt buffer bps    u16
//	20  margin reward rate %   u8
//	21  7 market slots of {token haircut u8, rate scalar u16, rate anchor u32}
const (
	headerLen = 21
	slotLen   = 7
	PackedLen = headerLen + fp.MaxMarketIndex*slotLen
)

// Pack encodes a validated config into its fixed byte layout. Unused market
// slots are zero.
func Pack(cfg model.CashGroupConfig) ([]byte, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	b := make([]byte, PackedLen)
	binary.BigEndian.PutUint16(b[0:], cfg.CurrencyID)
	b[2] = uint8(cfg.MaxMarketIndex)
	binary.BigEndian.PutUint32(b[3:], uint32(cfg.RateOracleTimeWindow))
	binary.BigEndian.PutUint16(b[7:], uint16(cfg.TotalFeeBps))
	b[9] = uint8(cfg.ReserveFeeShare)
	binary.BigEndian.PutUint16(b[10:], uint16(cfg.DebtBufferBps))
	binary.BigEndian.PutUint16(b[12:], uint16(cfg.FCashHaircutBps))
	binary.BigEndian.PutUint16(b[14:], uint16(cfg.SettlementPenaltyBps))
	binary.BigEndian.PutUint16(b[16:], uint16(cfg.LiquidationFCashHaircutBps))
	binary.BigEndian.PutUint16(b[18:], uint16(cfg.LiquidationDebtBufferBps))
	b[20] = uint8(cfg.MarginRewardRate)

	for i := 0; i < cfg.MaxMarketIndex; i++ {
		off := headerLen + i*slotLen
		b[off] = uint8(cfg.LiquidityTokenHaircuts[i])
		binary.BigEndian.PutUint16(b[off+1:], uint16(cfg.RateScalars[i]))
		binary.BigEndian.PutUint32(b[off+3:], uint32(cfg.RateAnchors[i]))
	}
	return b, nil
}

// Unpack decodes bytes produced by Pack.
func Unpack(b []byte) (model.CashGroupConfig, error) {
	if len(b) != PackedLen {
		return model.CashGroupConfig{}, fmt.Errorf("packed cash group has %d bytes, want %d: %w",
			len(b), PackedLen, model.ErrInvalidConfig)
	}
	cfg := model.CashGroupConfig{
		CurrencyID:                 binary.BigEndian.Uint16(b[0:]),
		MaxMarketIndex:             int(b[2]),
		RateOracleTimeWindow:       int64(binary.BigEndian.Uint32(b[3:])),
		TotalFeeBps:                int64(binary.BigEndian.Uint16(b[7:])),
		ReserveFeeShare:            int64(b[9]),
		DebtBufferBps:              int64(binary.BigEndian.Uint16(b[10:])),
		FCashHaircutBps:            int64(binary.BigEndian.Uint16(b[12:])),
		SettlementPenaltyBps:       int64(binary.BigEndian.Uint16(b[14:])),
		LiquidationFCashHaircutBps: int64(binary.BigEndian.Uint16(b[16:])),
		LiquidationDebtBufferBps:   int64(binary.BigEndian.Uint16(b[18:])),
		MarginRewardRate:           int64(b[20]),
	}
	if cfg.MaxMarketIndex > fp.MaxMarketIndex {
		return model.CashGroupConfig{}, fmt.Errorf("packed max market index %d: %w", cfg.MaxMarketIndex, model.ErrInvalidConfig)
	}
	for i := 0; i < cfg.MaxMarketIndex; i++ {
		off := headerLen + i*slotLen
		cfg.LiquidityTokenHaircuts = append(cfg.LiquidityTokenHaircuts, int64(b[off]))
		cfg.RateScalars = append(cfg.RateScalars, int64(binary.BigEndian.Uint16(b[off+1:])))
		cfg.RateAnchors = append(cfg.RateAnchors, int64(binary.BigEndian.Uint32(b[off+3:])))
	}
	if err := Validate(cfg); err != nil {
		return model.CashGroupConfig{}, err
	}
	return cfg, nil
}

package models

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// XRP, FXRP and vault shares all carry six decimals
const AssetDecimals int32 = 6

// DropsPerXRP is the number of minimal native units in one XRP
const DropsPerXRP = 1_000_000

// ToBaseUnits converts a decimal amount into integer base units, truncating
// anything below the smallest unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units into a decimal amount
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// XRPToDrops converts an XRP amount into drops
func XRPToDrops(amount decimal.Decimal) (int64, error) {
	drops := amount.Shift(AssetDecimals)
	if !drops.Equal(drops.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals", amount.String(), AssetDecimals)
	}
	if !drops.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s overflows drops", amount.String())
	}
	return drops.IntPart(), nil
}

// DropsToXRP converts drops into an XRP amount
func DropsToXRP(drops int64) decimal.Decimal {
	return decimal.New(drops, -AssetDecimals)
}

// LotRounding selects how a requested amount snaps to a lot boundary
type LotRounding string

const (
	LotRoundingUp      LotRounding = "up"
	LotRoundingDown    LotRounding = "down"
	LotRoundingNearest LotRounding = "nearest"
)

// RoundToLots snaps amount to a multiple of lotSize and returns the rounded amount
// together with the number of lots. Rounding down to zero lots is an error.
func RoundToLots(amount, lotSize decimal.Decimal, mode LotRounding) (decimal.Decimal, int64, error) {
	if !lotSize.IsPositive() {
		return decimal.Zero, 0, fmt.Errorf("lot size must be positive")
	}
	if !amount.IsPositive() {
		return decimal.Zero, 0, fmt.Errorf("amount must be positive")
	}
	ratio := amount.Div(lotSize)
	var lots decimal.Decimal
	switch mode {
	case LotRoundingUp, "":
		lots = ratio.Ceil()
	case LotRoundingDown:
		lots = ratio.Floor()
	case LotRoundingNearest:
		lots = ratio.Round(0)
	default:
		return decimal.Zero, 0, fmt.Errorf("unknown lot rounding %q", mode)
	}
	if lots.IsZero() {
		return decimal.Zero, 0, fmt.Errorf("amount %s is below one lot of %s", amount.String(), lotSize.String())
	}
	return lots.Mul(lotSize), lots.IntPart(), nil
}

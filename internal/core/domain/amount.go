package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// SmallestUnitExp is the number of decimal places of one coin.
	SmallestUnitExp  = 8
	bytesPerKilobyte = 1000
)

var (
	ErrInvalidAmount = fmt.Errorf("invalid amount")
)

// ToSmallestUnit converts an amount expressed in coins to the smallest unit
// (satoshi). Half values are rounded to the nearest even integer.
func ToSmallestUnit(amount decimal.Decimal) int64 {
	return amount.Shift(SmallestUnitExp).RoundBank(0).IntPart()
}

// FromSmallestUnit is the inverse of ToSmallestUnit.
func FromSmallestUnit(amount int64) decimal.Decimal {
	return decimal.New(amount, -SmallestUnitExp)
}

// FeePerByte converts a fee rate expressed in coins per kilobyte to
// satoshis per byte.
func FeePerByte(feeRate decimal.Decimal) int64 {
	return feeRate.Shift(SmallestUnitExp).
		Div(decimal.NewFromInt(bytesPerKilobyte)).RoundBank(0).IntPart()
}

// ParseAmount parses a coin amount out of a raw JSON value that can be
// either a number or a numeric string.
func ParseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	str := strings.TrimSpace(string(raw))
	if len(str) <= 0 || str == "null" {
		return decimal.Zero, ErrInvalidAmount
	}
	str = strings.Trim(str, `"`)
	amount, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w %s: %s", ErrInvalidAmount, str, err)
	}
	return amount, nil
}

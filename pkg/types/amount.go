package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrAmountOverflow is returned when a value does not fit in 256 bits.
var ErrAmountOverflow = errors.New("amount exceeds 256 bits")

// Zero returns a new zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// AmountOf returns a new amount holding v.
func AmountOf(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// FormatAmount renders an amount in base units as a decimal string.
// A nil amount renders as "0".
func FormatAmount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.ToBig().String()
}

// ParseAmount parses a non-negative decimal (or 0x-prefixed hex) base-unit amount.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	b, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// ToBig converts an amount to a new big.Int; nil becomes zero.
func ToBig(x *uint256.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x.ToBig()
}

// FormatUnits renders a base-unit amount with the given number of decimals,
// trimming trailing zeros (e.g. 1500000000000000000 with 18 decimals is "1.5").
func FormatUnits(x *uint256.Int, decimals int32) string {
	d := decimal.NewFromBigInt(ToBig(x), -decimals)
	return d.String()
}

// ParseUnits converts a human amount such as "1.5" into base units.
// Fractions finer than the asset's decimals are rejected.
func ParseUnits(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

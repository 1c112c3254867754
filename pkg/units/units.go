// Package units converts between human-readable token amounts and their
// integer chain representation. All arithmetic goes through decimal to
// avoid float drift.
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ScaleUp shifts the decimal point of amount right by decimals places and
// returns the resulting integer string. "5" scaled by 2 yields "500".
func ScaleUp(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(decimals).String(), nil
}

// ScaleDown is the inverse of ScaleUp: it shifts the decimal point left by
// decimals places. Scaling "500" down by 2 yields "5".
func ScaleDown(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(-decimals).String(), nil
}

// ToWei converts a human-readable amount to its big.Int chain representation
// with the given number of decimals. Fails when the scaled amount is not an
// integer or is negative.
func ToWei(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromWei converts an integer chain amount back to a decimal value with the
// given number of decimals.
func FromWei(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Shift(-decimals)
}

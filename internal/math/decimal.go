package math

import (
	"fmt"

	"TradeLedger/internal/apperr"

	"github.com/shopspring/decimal"
)

var maxInt64 = decimal.NewFromInt(1<<63 - 1)

// ParseDecimal converts a decimal string such as "0.01" into its fixed-point
// representation under cfg. Inputs finer than the configured precision are
// rejected rather than rounded.
func ParseDecimal(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: parse decimal %q: %v", apperr.ErrValidation, s, err)
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts an already-parsed decimal.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	shifted := d.Shift(cfg.DecimalPrecision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s exceeds %d decimal places", apperr.ErrValidation, d, cfg.DecimalPrecision)
	}
	if shifted.Abs().GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%w: %s out of range", apperr.ErrValidation, d)
	}
	return shifted.IntPart(), nil
}

// ParsePositive is ParseDecimal that also requires a value > 0.
func ParsePositive(s string, cfg DecimalConfig) (int64, error) {
	v, err := ParseDecimal(s, cfg)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", apperr.ErrValidation, s)
	}
	return v, nil
}

// ToDecimal is the inverse of FromDecimal.
func ToDecimal(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -cfg.DecimalPrecision)
}

// FormatDecimal renders v without trailing zeros, e.g. 50_000_000 -> "0.5".
func FormatDecimal(v int64, cfg DecimalConfig) string {
	return ToDecimal(v, cfg).String()
}

package math_test

import (
	"errors"
	"testing"

	"TradeLedger/internal/apperr"
	fp "TradeLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 100_000_000

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_RoundingModes(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		mode    fp.RoundingMode
		want    int64
	}{
		{"exact", 10, 10, 5, fp.RoundHalfEven, 20},
		{"half even down", 5, 1, 2, fp.RoundHalfEven, 2},
		{"half even up", 7, 1, 2, fp.RoundHalfEven, 4},
		{"above half", 5, 1, 3, fp.RoundHalfEven, 2},
		{"round down", 5, 1, 3, fp.RoundDown, 1},
		{"round up", 4, 1, 3, fp.RoundUp, 2},
		{"negative floor", -5, 1, 3, fp.RoundDown, -2},
		{"negative ceil", -5, 1, 3, fp.RoundUp, -1},
		{"negative half even", -5, 1, 2, fp.RoundHalfEven, -2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fp.MulDiv(tc.a, tc.b, tc.d, tc.mode))
		})
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	// 1e12 * 1e12 overflows int64 but the quotient fits.
	got := fp.MulDiv(1_000_000_000_000, 1_000_000_000_000, 1_000_000_000_000, fp.RoundDown)
	assert.Equal(t, int64(1_000_000_000_000), got)
}

// ============================================================================
// Test: Trading formulas
// ============================================================================

func TestComputeNotional(t *testing.T) {
	// 0.01 BTC @ 50000 = 500
	assert.Equal(t, int64(500*unit), fp.ComputeNotional(unit/100, 50_000*unit))
}

func TestComputeMargin(t *testing.T) {
	// 0.1 BTC @ 50000, 10x = 500
	assert.Equal(t, int64(500*unit), fp.ComputeMargin(unit/10, 50_000*unit, 10))
}

func TestComputeMargin_RoundsUp(t *testing.T) {
	// 1e-8 * 1 / 3 is not representable; the reservation must round up.
	assert.Equal(t, int64(1), fp.ComputeMargin(1, unit, 3))
}

func TestComputePnL(t *testing.T) {
	size := int64(unit / 10)
	assert.Equal(t, int64(500*unit), fp.ComputePnL(1, 50_000*unit, 55_000*unit, size))
	assert.Equal(t, int64(-600*unit), fp.ComputePnL(1, 50_000*unit, 44_000*unit, size))
	assert.Equal(t, int64(600*unit), fp.ComputePnL(-1, 50_000*unit, 44_000*unit, size))
}

func TestComputeMarginRatio(t *testing.T) {
	// (500 + 500) / 5500 = 0.181818
	ratio := fp.ComputeMarginRatio(500*unit, 500*unit, 5_500*unit)
	assert.Equal(t, int64(181_818), ratio)

	// Negative equity gives a negative ratio.
	assert.Less(t, fp.ComputeMarginRatio(500*unit, -600*unit, 4_400*unit), int64(0))
}

func TestProRata(t *testing.T) {
	assert.Equal(t, int64(250), fp.ProRata(500, 1, 2))
	assert.Equal(t, int64(333), fp.ProRata(1000, 1, 3))
	assert.Equal(t, int64(1000), fp.ProRata(1000, 3, 3))
}

func TestComputeLiquidationPrice(t *testing.T) {
	size := int64(unit / 10)
	entry := int64(50_000 * unit)
	margin := int64(500 * unit)
	mm := int64(50_000) // 5%

	long := fp.ComputeLiquidationPrice(1, entry, margin, size, mm)
	// (5000 - 500) / (0.1 * 0.95) = 47368.42...
	assert.InDelta(t, 47_368.42, float64(long)/unit, 0.01)

	short := fp.ComputeLiquidationPrice(-1, entry, margin, size, mm)
	// (5000 + 500) / (0.1 * 1.05) = 52380.95...
	assert.InDelta(t, 52_380.95, float64(short)/unit, 0.01)

	// At the liquidation price the margin ratio sits at the threshold.
	upnl := fp.ComputePnL(1, entry, long, size)
	ratio := fp.ComputeMarginRatio(margin, upnl, fp.ComputeNotional(size, long))
	assert.InDelta(t, float64(mm), float64(ratio), 2)
}

// ============================================================================
// Test: Decimal boundary
// ============================================================================

func TestParseDecimal(t *testing.T) {
	v, err := fp.ParseDecimal("50000.5", fp.PriceConfig)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_050_000_000), v)

	_, err = fp.ParseDecimal("0.000000001", fp.AmountConfig)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = fp.ParseDecimal("abc", fp.AmountConfig)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = fp.ParsePositive("0", fp.AmountConfig)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "0.5", fp.FormatDecimal(50_000_000, fp.AmountConfig))
	assert.Equal(t, "-600", fp.FormatDecimal(-600*unit, fp.AmountConfig))
	assert.Equal(t, "50000", fp.FormatDecimal(50_000*unit, fp.PriceConfig))
}

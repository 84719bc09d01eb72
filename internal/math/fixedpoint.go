package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Prices and asset amounts share one scale so notional needs a single division.
	PriceConfig  = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001
	AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 of any asset
	RatioConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // margin fractions
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v ...*big.Int) {
	for _, b := range v {
		b.SetInt64(0)
		bigPool.Put(b)
	}
}

// MulDiv computes a*b/d without intermediate overflow. d must be positive.
func MulDiv(a, b, d int64, mode RoundingMode) int64 {
	num := getBig()
	num.Mul(big.NewInt(a), big.NewInt(b))
	result := divide(num, d, mode)
	putBig(num)
	return result
}

// divide uses Euclidean division, so the remainder is never negative and the
// quotient is the floor for either sign of the numerator.
func divide(num *big.Int, d int64, mode RoundingMode) int64 {
	denom := big.NewInt(d)
	q := getBig()
	r := getBig()
	q.DivMod(num, denom, r)

	result := q.Int64()
	if r.Sign() != 0 {
		switch mode {
		case RoundUp:
			result++
		case RoundHalfEven:
			twice := getBig()
			twice.Lsh(r, 1)
			cmp := twice.Cmp(denom)
			if cmp > 0 || (cmp == 0 && result%2 != 0) {
				result++
			}
			putBig(twice)
		}
	}

	putBig(q, r)
	return result
}

// ComputeNotional returns size*price in amount units.
func ComputeNotional(size, price int64) int64 {
	return MulDiv(size, price, PriceConfig.Scale, RoundHalfEven)
}

// ComputeMargin returns size*price/leverage, rounded up so the reservation
// never falls short of the exact requirement.
func ComputeMargin(size, price, leverage int64) int64 {
	num := getBig()
	num.Mul(big.NewInt(size), big.NewInt(price))
	result := divide(num, PriceConfig.Scale*leverage, RoundUp)
	putBig(num)
	return result
}

// ComputePnL returns (exit-entry)*size*sideSign in amount units.
// sideSign is +1 for long, -1 for short.
func ComputePnL(sideSign, entry, exit, size int64) int64 {
	return MulDiv(sideSign*(exit-entry), size, PriceConfig.Scale, RoundHalfEven)
}

// ComputeMarginRatio returns (margin+upnl)/notional at ratio scale.
// A zero notional yields the largest representable ratio.
func ComputeMarginRatio(margin, upnl, notional int64) int64 {
	if notional <= 0 {
		return 1<<63 - 1
	}
	return MulDiv(margin+upnl, RatioConfig.Scale, notional, RoundDown)
}

// ProRata returns amount*part/whole, rounded down. The caller keeps the
// remainder with the larger share, so repeated partial closes never release
// more than the original amount.
func ProRata(amount, part, whole int64) int64 {
	if whole <= 0 || part >= whole {
		return amount
	}
	return MulDiv(amount, part, whole, RoundDown)
}

// ComputeLiquidationPrice solves (margin + uPnL) / (size * p) == mmFraction for p.
//
//	long:  p = (notional - margin) / (size * (1 - mm))
//	short: p = (notional + margin) / (size * (1 + mm))
//
// Returns 0 when the long position cannot be liquidated by a positive price.
func ComputeLiquidationPrice(sideSign, entry, margin, size, mmFraction int64) int64 {
	if size <= 0 {
		return 0
	}
	notional := ComputeNotional(size, entry)

	num := getBig()
	num.SetInt64(notional - sideSign*margin)
	if num.Sign() <= 0 {
		putBig(num)
		return 0
	}
	num.Mul(num, big.NewInt(PriceConfig.Scale))
	num.Mul(num, big.NewInt(RatioConfig.Scale))

	den := getBig()
	den.Mul(big.NewInt(size), big.NewInt(RatioConfig.Scale-sideSign*mmFraction))

	q := getBig()
	q.Quo(num, den)
	result := q.Int64()

	putBig(num, den, q)
	return result
}

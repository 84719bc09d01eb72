package futures

import (
	"sync"
)

// InsuranceFund tallies bad debt: losses no policy could collect from the
// position owner. Each deficit is recorded once per settlement key.
type InsuranceFund struct {
	mu       sync.Mutex
	total    int64
	bySymbol map[string]int64
	seen     map[string]struct{}
}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{
		bySymbol: make(map[string]int64),
		seen:     make(map[string]struct{}),
	}
}

// RecordDeficit adds amount for symbol unless key was already recorded.
// It reports whether the deficit was new.
func (f *InsuranceFund) RecordDeficit(key, symbol string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[key]; dup {
		return false
	}
	f.seen[key] = struct{}{}
	f.total += amount
	f.bySymbol[symbol] += amount
	return true
}

// Deficit returns the accumulated uncovered loss.
func (f *InsuranceFund) Deficit() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *InsuranceFund) DeficitFor(symbol string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bySymbol[symbol]
}

// BySymbol returns a copy of the per-symbol tally.
func (f *InsuranceFund) BySymbol() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.bySymbol))
	for sym, v := range f.bySymbol {
		out[sym] = v
	}
	return out
}

// ComputeCoverage splits a deficit into the part a fund balance can cover
// and the remainder.
func ComputeCoverage(fundBalance, deficit int64) (covered, remaining int64) {
	if fundBalance >= deficit {
		return deficit, 0
	}
	if fundBalance < 0 {
		fundBalance = 0
	}
	return fundBalance, deficit - fundBalance
}

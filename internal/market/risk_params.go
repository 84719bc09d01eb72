package market

import (
	"fmt"
	"sync"
)

// RiskParams defines leverage and margin requirements per symbol.
type RiskParams struct {
	Symbol      string
	MMFraction  int64 // Maintenance threshold (decimal_precision=6, scale=1_000_000)
	MaxLeverage int64
	TickSize    int64 // Minimum price increment (price scale)
	LotSize     int64 // Minimum quantity increment (amount scale)
}

var (
	DefaultRiskParams = map[string]RiskParams{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			MMFraction:  50_000, // 5%
			MaxLeverage: 100,
			TickSize:    1_000_000, // 0.01 USDT
			LotSize:     100_000,   // 0.001 BTC
		},
		"ETHUSDT": {
			Symbol:      "ETHUSDT",
			MMFraction:  50_000,
			MaxLeverage: 50,
			TickSize:    1_000_000,
			LotSize:     1_000_000, // 0.01 ETH
		},
	}
)

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < mm < 1_000_000, max_leverage > 0, tick_size > 0, lot_size > 0.
func ValidateRiskParams(params RiskParams) error {
	if params.MMFraction <= 0 {
		return fmt.Errorf("mm_fraction must be > 0, got %d", params.MMFraction)
	}
	if params.MMFraction >= 1_000_000 {
		return fmt.Errorf("mm_fraction must be < 1_000_000, got %d", params.MMFraction)
	}
	if params.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be > 0, got %d", params.MaxLeverage)
	}
	if params.TickSize <= 0 {
		return fmt.Errorf("tick_size must be > 0, got %d", params.TickSize)
	}
	if params.LotSize <= 0 {
		return fmt.Errorf("lot_size must be > 0, got %d", params.LotSize)
	}
	return nil
}

// RiskParamsRegistry resolves risk parameters per symbol. Symbols without an
// explicit entry get the fallback with their own name.
type RiskParamsRegistry struct {
	mu       sync.RWMutex
	params   map[string]RiskParams
	fallback RiskParams
}

// NewRiskParamsRegistry seeds the registry with DefaultRiskParams.
// The fallback must not carry a symbol; it applies to any unknown one.
func NewRiskParamsRegistry(fallback RiskParams) (*RiskParamsRegistry, error) {
	fallback.Symbol = ""
	if err := ValidateRiskParams(fallback); err != nil {
		return nil, fmt.Errorf("invalid fallback risk params: %w", err)
	}
	params := make(map[string]RiskParams, len(DefaultRiskParams))
	for k, v := range DefaultRiskParams {
		params[k] = v
	}
	return &RiskParamsRegistry{params: params, fallback: fallback}, nil
}

func (r *RiskParamsRegistry) Get(symbol string) RiskParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.params[symbol]; ok {
		return p
	}
	p := r.fallback
	p.Symbol = symbol
	return p
}

func (r *RiskParamsRegistry) Update(params RiskParams) error {
	if err := ValidateRiskParams(params); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", params.Symbol, err)
	}
	r.mu.Lock()
	r.params[params.Symbol] = params
	r.mu.Unlock()
	return nil
}

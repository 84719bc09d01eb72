package market

import (
	"fmt"
	"strings"

	"TradeLedger/internal/apperr"
)

// QuoteAssets lists supported quote currencies, longest first so that
// suffix matching is unambiguous.
var QuoteAssets = []string{"USDT", "USDC"}

// Symbol is a canonical BASEQUOTE pair such as BTCUSDT.
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) String() string {
	return s.Base + s.Quote
}

// ParseSymbol splits a canonical symbol into base and quote assets.
func ParseSymbol(s string) (Symbol, error) {
	if s != strings.ToUpper(s) {
		return Symbol{}, fmt.Errorf("%w: symbol %q is not canonical", apperr.ErrValidation, s)
	}
	for _, q := range QuoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return Symbol{Base: strings.TrimSuffix(s, q), Quote: q}, nil
		}
	}
	return Symbol{}, fmt.Errorf("%w: symbol %q has no supported quote asset", apperr.ErrValidation, s)
}

// MustParseSymbol panics on invalid input. Intended for constants and tests.
func MustParseSymbol(s string) Symbol {
	sym, err := ParseSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

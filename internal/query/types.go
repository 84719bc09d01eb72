package query

import (
	"time"

	"TradeLedger/internal/event"
)

// BalanceResponse is one asset balance as served to clients. Amounts are
// decimal strings.
type BalanceResponse struct {
	event.BalancePayload
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// PositionResponse adds values derived at query time from the current
// reference price. MarkPrice is empty when no price is known yet.
type PositionResponse struct {
	event.PositionPayload
	UnrealizedPnL string    `json:"unrealized_pnl,omitempty"`
	MarkPrice     string    `json:"mark_price,omitempty"`
	MarginRatio   string    `json:"margin_ratio,omitempty"`
	PriceAgeMs    int64     `json:"price_age_ms,omitempty"`
	BadDebt       string    `json:"bad_debt,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
}

// PriceResponse is the latest reference price of one symbol.
type PriceResponse struct {
	Symbol     string    `json:"symbol"`
	Price      string    `json:"price"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
	AgeMs      int64     `json:"age_ms"`
}

// InsuranceResponse reports uncovered losses, total and per symbol.
type InsuranceResponse struct {
	Deficit  string            `json:"deficit"`
	BySymbol map[string]string `json:"by_symbol,omitempty"`
}

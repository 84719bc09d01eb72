// Package event defines the per-user account events relayed by the fanout hub.
package event

import (
	"time"

	"TradeLedger/internal/ledger"
	fp "TradeLedger/internal/math"

	"github.com/google/uuid"
)

// Kind discriminates account event payloads.
type Kind string

const (
	KindBalance  Kind = "balance"
	KindOrder    Kind = "order"
	KindPosition Kind = "position"
)

// AccountEvent is one notification for one user. Sequence is assigned by the
// hub, starts at 1 and increases by one per event for that user.
type AccountEvent struct {
	UserID   uuid.UUID   `json:"user_id"`
	Kind     Kind        `json:"kind"`
	Sequence uint64      `json:"sequence"`
	At       time.Time   `json:"at"`
	Payload  interface{} `json:"payload"`
}

// BalancePayload carries decimal-string amounts so clients never see
// fixed-point integers.
type BalancePayload struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Total     string `json:"total"`
	Version   int64  `json:"version"`
}

func NewBalancePayload(b ledger.Balance) BalancePayload {
	return BalancePayload{
		Asset:     b.Key.Asset,
		Available: fp.FormatDecimal(b.Available, fp.AmountConfig),
		Reserved:  fp.FormatDecimal(b.Reserved, fp.AmountConfig),
		Total:     fp.FormatDecimal(b.Total(), fp.AmountConfig),
		Version:   b.Version,
	}
}

// OrderPayload describes a spot order transition.
type OrderPayload struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Size          string    `json:"size"`
	LimitPrice    string    `json:"limit_price,omitempty"`
	FillPrice     string    `json:"fill_price,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PositionPayload describes a futures position change.
type PositionPayload struct {
	PositionID       string    `json:"position_id"`
	ClientOrderID    string    `json:"client_order_id,omitempty"`
	Symbol           string    `json:"symbol"`
	Direction        string    `json:"direction"`
	OrderType        string    `json:"order_type"`
	Status           string    `json:"status"`
	LimitPrice       string    `json:"limit_price,omitempty"`
	Size             string    `json:"size"`
	EntryPrice       string    `json:"entry_price"`
	Leverage         int64     `json:"leverage"`
	Margin           string    `json:"margin"`
	TakeProfitPrice  string    `json:"take_profit_price,omitempty"`
	StopLossPrice    string    `json:"stop_loss_price,omitempty"`
	LiquidationPrice string    `json:"liquidation_price,omitempty"`
	RealizedPnL      string    `json:"realized_pnl"`
	ExitPrice        string    `json:"exit_price,omitempty"`
	CloseReason      string    `json:"close_reason,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
}

// Amount formats an amount-scale value, or "" for zero when optional is set.
func Amount(v int64, optional bool) string {
	if optional && v == 0 {
		return ""
	}
	return fp.FormatDecimal(v, fp.AmountConfig)
}

// Price formats a price-scale value, or "" for zero when optional is set.
func Price(v int64, optional bool) string {
	if optional && v == 0 {
		return ""
	}
	return fp.FormatDecimal(v, fp.PriceConfig)
}

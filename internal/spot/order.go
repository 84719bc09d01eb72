// Package spot places, cancels and fills spot orders against the reference
// price. Orders are never matched against each other.
package spot

import (
	"time"

	"TradeLedger/internal/event"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Order is a spot order. Amounts are fixed-point: Size and ReservedAmount
// use AmountConfig, LimitPrice and FillPrice use PriceConfig.
type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	ClientOrderID  string // optional, unique per user
	Symbol         string
	Base           string
	Quote          string
	Side           Side
	Type           Type
	LimitPrice     int64 // 0 for market orders
	Size           int64 // base asset quantity
	Status         Status
	ReservedAsset  string
	ReservedAmount int64
	FillPrice      int64
	Seq            int64 // arrival order, assigned by the store
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payload renders the order for account events.
func (o Order) Payload() event.OrderPayload {
	return event.OrderPayload{
		OrderID:       o.ID.String(),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Status:        string(o.Status),
		Size:          event.Amount(o.Size, false),
		LimitPrice:    event.Price(o.LimitPrice, true),
		FillPrice:     event.Price(o.FillPrice, true),
		CreatedAt:     o.CreatedAt,
	}
}

// marketable reports whether a resting limit order executes at tick.
func (o Order) marketable(tick int64) bool {
	if o.Side == SideBuy {
		return o.LimitPrice >= tick
	}
	return o.LimitPrice <= tick
}

// aggressiveness orders eligible orders: the further a limit is through the
// tick, the earlier it fills.
func (o Order) aggressiveness(tick int64) int64 {
	if o.Side == SideBuy {
		return o.LimitPrice - tick
	}
	return tick - o.LimitPrice
}

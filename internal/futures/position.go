// Package futures manages isolated-margin leveraged positions: opening,
// take-profit and stop-loss triggers, manual and partial closes, and
// liquidation by a periodic sweep.
package futures

import (
	"time"

	"TradeLedger/internal/event"
	fp "TradeLedger/internal/math"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long, -1 for short, 0 otherwise.
func (d Direction) Sign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

type Status string

const (
	// StatusPending is a limit order waiting for its price; its margin is
	// already reserved.
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseLiquidation CloseReason = "liquidation"
)

// Position is one leveraged position. Margin is exactly the amount still
// reserved for it in the ledger; it reaches zero when the position closes.
type Position struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Asset         string // margin asset, the symbol's quote
	Direction     Direction
	OrderType     OrderType
	LimitPrice    int64 // 0 for market orders
	Size          int64
	EntryPrice    int64
	Leverage      int64
	Margin        int64

	// Trigger prices; 0 means unset. Sizes of 0 close the whole position.
	TakeProfitPrice int64
	TakeProfitSize  int64
	StopLossPrice   int64
	StopLossSize    int64

	LiquidationPrice int64
	Status           Status
	RealizedPnL      int64
	// BadDebt accumulates losses beyond the margin of the closed portions.
	BadDebt     int64
	ExitPrice   int64
	CloseReason CloseReason

	Version   int64
	OpenedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time
}

// Notional is size*price at the given price.
func (p Position) Notional(price int64) int64 {
	return fp.ComputeNotional(p.Size, price)
}

// UnrealizedPnL is the profit or loss of the open size at price.
func (p Position) UnrealizedPnL(price int64) int64 {
	return fp.ComputePnL(p.Direction.Sign(), p.EntryPrice, price, p.Size)
}

// MarginRatio is (margin + uPnL) / notional at price, in ratio scale.
func (p Position) MarginRatio(price int64) int64 {
	return fp.ComputeMarginRatio(p.Margin, p.UnrealizedPnL(price), p.Notional(price))
}

// limitReached reports whether a pending limit position opens at price.
func (p Position) limitReached(price int64) bool {
	if p.Direction == DirectionLong {
		return price <= p.LimitPrice
	}
	return price >= p.LimitPrice
}

func (p Position) stopLossHit(price int64) bool {
	if p.StopLossPrice == 0 {
		return false
	}
	if p.Direction == DirectionLong {
		return price <= p.StopLossPrice
	}
	return price >= p.StopLossPrice
}

func (p Position) takeProfitHit(price int64) bool {
	if p.TakeProfitPrice == 0 {
		return false
	}
	if p.Direction == DirectionLong {
		return price >= p.TakeProfitPrice
	}
	return price <= p.TakeProfitPrice
}

func (p Position) Payload() event.PositionPayload {
	return event.PositionPayload{
		PositionID:       p.ID.String(),
		ClientOrderID:    p.ClientOrderID,
		Symbol:           p.Symbol,
		Direction:        string(p.Direction),
		OrderType:        string(p.OrderType),
		Status:           string(p.Status),
		LimitPrice:       event.Price(p.LimitPrice, true),
		Size:             event.Amount(p.Size, false),
		EntryPrice:       event.Price(p.EntryPrice, false),
		Leverage:         p.Leverage,
		Margin:           event.Amount(p.Margin, false),
		TakeProfitPrice:  event.Price(p.TakeProfitPrice, true),
		StopLossPrice:    event.Price(p.StopLossPrice, true),
		LiquidationPrice: event.Price(p.LiquidationPrice, true),
		RealizedPnL:      event.Amount(p.RealizedPnL, false),
		ExitPrice:        event.Price(p.ExitPrice, true),
		CloseReason:      string(p.CloseReason),
		OpenedAt:         p.OpenedAt,
	}
}

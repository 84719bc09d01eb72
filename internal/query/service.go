// Package query serves read-only views of balances, orders, positions and
// prices. Reads go straight to the stores; nothing here mutates state.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/event"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	fp "TradeLedger/internal/math"
	"TradeLedger/internal/price"
	"TradeLedger/internal/spot"

	"github.com/google/uuid"
)

// Balances is the read side of the ledger.
type Balances interface {
	Get(ctx context.Context, key ledger.AccountKey) (ledger.Balance, error)
	Balances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error)
}

// Service answers client queries.
type Service struct {
	balances  Balances
	orders    spot.OrderStore
	positions futures.PositionStore
	prices    *price.Aggregator
	insurance *futures.InsuranceFund
}

func NewService(balances Balances, orders spot.OrderStore, positions futures.PositionStore, prices *price.Aggregator, insurance *futures.InsuranceFund) *Service {
	return &Service{
		balances:  balances,
		orders:    orders,
		positions: positions,
		prices:    prices,
		insurance: insurance,
	}
}

// GetBalance returns one asset balance; an untouched account reads as zero.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (BalanceResponse, error) {
	if strings.TrimSpace(asset) == "" {
		return BalanceResponse{}, fmt.Errorf("%w: asset is required", apperr.ErrValidation)
	}
	b, err := s.balances.Get(ctx, ledger.NewAccountKey(userID, asset))
	if err != nil {
		return BalanceResponse{}, fmt.Errorf("get balance: %w", err)
	}
	return NewBalanceResponse(b), nil
}

// GetBalances returns every asset the user holds, sorted by asset.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	list, err := s.balances.Balances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	out := make([]BalanceResponse, 0, len(list))
	for _, b := range list {
		out = append(out, NewBalanceResponse(b))
	}
	return out, nil
}

// NewBalanceResponse renders a ledger balance for clients.
func NewBalanceResponse(b ledger.Balance) BalanceResponse {
	return BalanceResponse{BalancePayload: event.NewBalancePayload(b), UpdatedAt: b.UpdatedAt}
}

// GetOrders returns the user's orders, newest first.
func (s *Service) GetOrders(ctx context.Context, userID uuid.UUID, limit int) ([]event.OrderPayload, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]event.OrderPayload, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Payload())
	}
	return out, nil
}

// GetPositions returns the user's positions, newest first. Open positions
// carry unrealized PnL and margin ratio at the latest known price, however
// old; PriceAgeMs lets clients judge it.
func (s *Service) GetPositions(ctx context.Context, userID uuid.UUID, includeClosed bool) ([]PositionResponse, error) {
	positions, err := s.positions.ListByUser(ctx, userID, includeClosed)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		r := PositionResponse{
			PositionPayload: p.Payload(),
			BadDebt:         event.Amount(p.BadDebt, true),
			ClosedAt:        p.ClosedAt,
		}
		if p.Status == futures.StatusOpen && s.prices != nil {
			if q, err := s.prices.GetPrice(p.Symbol); err == nil {
				r.MarkPrice = fp.FormatDecimal(q.Price, fp.PriceConfig)
				r.UnrealizedPnL = fp.FormatDecimal(p.UnrealizedPnL(q.Price), fp.AmountConfig)
				r.MarginRatio = fp.FormatDecimal(p.MarginRatio(q.Price), fp.RatioConfig)
				r.PriceAgeMs = q.Age.Milliseconds()
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// GetPrices lists the latest price of every known symbol.
func (s *Service) GetPrices() []PriceResponse {
	quotes := s.prices.All()
	out := make([]PriceResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, newPriceResponse(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetPrice returns the latest price of one symbol.
func (s *Service) GetPrice(symbol string) (PriceResponse, error) {
	q, err := s.prices.GetPrice(symbol)
	if err != nil {
		return PriceResponse{}, err
	}
	return newPriceResponse(q), nil
}

func newPriceResponse(q price.Quote) PriceResponse {
	return PriceResponse{
		Symbol:     q.Symbol,
		Price:      fp.FormatDecimal(q.Price, fp.PriceConfig),
		Source:     q.Source,
		ObservedAt: q.ObservedAt,
		AgeMs:      q.Age.Round(time.Millisecond).Milliseconds(),
	}
}

// GetInsurance reports the bad debt tally.
func (s *Service) GetInsurance() InsuranceResponse {
	if s.insurance == nil {
		return InsuranceResponse{Deficit: "0"}
	}
	r := InsuranceResponse{
		Deficit:  fp.FormatDecimal(s.insurance.Deficit(), fp.AmountConfig),
		BySymbol: make(map[string]string),
	}
	for sym, v := range s.insurance.BySymbol() {
		r.BySymbol[sym] = fp.FormatDecimal(v, fp.AmountConfig)
	}
	return r
}

package futures

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/event"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/market"
	fp "TradeLedger/internal/math"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/price"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LossPolicy decides who absorbs a loss larger than the position's margin.
type LossPolicy string

const (
	// LossPolicyIsolated caps the loss at the margin. The excess is bad
	// debt and the owner's other funds are untouched.
	LossPolicyIsolated LossPolicy = "isolated"
	// LossPolicyDrawAvailable debits the excess from the owner's available
	// balance, clamped at zero. Whatever remains is bad debt.
	LossPolicyDrawAvailable LossPolicy = "draw_available"
)

// ParseLossPolicy accepts the config spelling of a policy.
func ParseLossPolicy(s string) (LossPolicy, error) {
	switch LossPolicy(s) {
	case LossPolicyIsolated, "":
		return LossPolicyIsolated, nil
	case LossPolicyDrawAvailable:
		return LossPolicyDrawAvailable, nil
	default:
		return "", fmt.Errorf("%w: unknown loss policy %q", apperr.ErrValidation, s)
	}
}

// Publisher delivers account events; satisfied by *fanout.Hub.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, kind event.Kind, payload interface{}) uint64
}

type Config struct {
	SweepInterval time.Duration
	// MaxPriceAge bounds the price used to open and manually close.
	MaxPriceAge time.Duration
	// LiquidationMaxPriceAge bounds the price the sweep may act on.
	LiquidationMaxPriceAge time.Duration
	LossPolicy             LossPolicy
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:          2 * time.Second,
		MaxPriceAge:            10 * time.Second,
		LiquidationMaxPriceAge: 5 * time.Second,
		LossPolicy:             LossPolicyIsolated,
	}
}

// OrderType selects how a position opens.
type OrderType string

const (
	// OrderMarket opens at the current price.
	OrderMarket OrderType = "market"
	// OrderLimit reserves margin at LimitPrice and opens when the price
	// reaches it: at or below for a long, at or above for a short.
	OrderLimit OrderType = "limit"
)

// OpenCmd is a request to open a position. A non-empty ClientOrderID makes
// it idempotent per user.
type OpenCmd struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Direction     Direction
	Type          OrderType // empty means market
	LimitPrice    int64
	Size          int64
	Leverage      int64
	TPSL          TPSL
}

// TPSL sets trigger prices and the size each closes. Zero prices clear the
// trigger; zero sizes close the whole position.
type TPSL struct {
	TakeProfitPrice int64
	TakeProfitSize  int64
	StopLossPrice   int64
	StopLossSize    int64
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Filled    int
	Evaluated int
	Skipped   int
	Closed    map[CloseReason]int
	Errors    int
}

const (
	maxUpdateAttempts = 8
	maxClientOrderID  = 64
)

var (
	// errVersionConflict aborts a settlement whose position changed under it.
	errVersionConflict = errors.New("position version changed")
	// errTriggerCleared reports that a sweep close lost its trigger while
	// retrying against a newer version of the position.
	errTriggerCleared = errors.New("trigger no longer hit")
)

// Engine owns position transitions. Each transition that moves funds is the
// condition of its ledger mutation, so the position row and the balances
// commit together. Mutation keys derive from the position version the
// transition produces, so a closed portion settles exactly once.
type Engine struct {
	positions PositionStore
	ledger    *ledger.Ledger
	prices    *price.Aggregator
	risk      *market.RiskParamsRegistry
	events    Publisher
	insurance *InsuranceFund
	cfg       Config
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewEngine(
	positions PositionStore,
	l *ledger.Ledger,
	prices *price.Aggregator,
	risk *market.RiskParamsRegistry,
	events Publisher,
	insurance *InsuranceFund,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LossPolicy == "" {
		cfg.LossPolicy = def.LossPolicy
	}
	if insurance == nil {
		insurance = NewInsuranceFund()
	}
	return &Engine{
		positions: positions,
		ledger:    l,
		prices:    prices,
		risk:      risk,
		events:    events,
		insurance: insurance,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Insurance exposes the bad-debt tally.
func (e *Engine) Insurance() *InsuranceFund {
	return e.insurance
}

// Open reserves margin and records the position in one commit. A market
// order opens at the current price. A limit order stays pending until the
// sweep sees its price, unless it is already marketable.
func (e *Engine) Open(ctx context.Context, cmd OpenCmd) (Position, error) {
	if cmd.Type == "" {
		cmd.Type = OrderMarket
	}
	sym, params, err := e.validateOpen(cmd)
	if err != nil {
		return Position{}, err
	}

	id := uuid.New()
	if cmd.ClientOrderID != "" {
		id = clientOrderUUID(cmd.UserID, cmd.ClientOrderID)
		existing, err := e.positions.Get(ctx, id)
		if err == nil {
			return replayed(existing, cmd)
		}
		if !errors.Is(err, apperr.ErrPositionNotFound) {
			return Position{}, fmt.Errorf("open position: %w", err)
		}
	}

	entry := cmd.LimitPrice
	status := StatusPending
	if cmd.Type == OrderMarket {
		q, err := e.prices.FreshPrice(cmd.Symbol, e.cfg.MaxPriceAge)
		if err != nil {
			return Position{}, fmt.Errorf("open position on %s: %w", cmd.Symbol, err)
		}
		entry, status = q.Price, StatusOpen
	}
	margin := fp.ComputeMargin(cmd.Size, entry, cmd.Leverage)
	if margin <= 0 {
		return Position{}, fmt.Errorf("%w: position notional rounds to zero", apperr.ErrValidation)
	}

	now := e.now()
	p := Position{
		ID:              id,
		UserID:          cmd.UserID,
		ClientOrderID:   cmd.ClientOrderID,
		Symbol:          cmd.Symbol,
		Asset:           sym.Quote,
		Direction:       cmd.Direction,
		OrderType:       cmd.Type,
		LimitPrice:      cmd.LimitPrice,
		Size:            cmd.Size,
		EntryPrice:      entry,
		Leverage:        cmd.Leverage,
		Margin:          margin,
		TakeProfitPrice: cmd.TPSL.TakeProfitPrice,
		TakeProfitSize:  cmd.TPSL.TakeProfitSize,
		StopLossPrice:   cmd.TPSL.StopLossPrice,
		StopLossSize:    cmd.TPSL.StopLossSize,
		Status:          status,
		Version:         1,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	if status == StatusOpen {
		p.LiquidationPrice = fp.ComputeLiquidationPrice(p.Direction.Sign(), p.EntryPrice, p.Margin, p.Size, params.MMFraction)
	}

	created := false
	create := func(ctx context.Context) error {
		if err := e.positions.Create(ctx, p); err != nil {
			return err
		}
		created = true
		return nil
	}
	account := ledger.NewAccountKey(p.UserID, p.Asset)
	if _, err := e.ledger.Reserve(ctx, "futures:"+p.ID.String()+":open", account, margin, create); err != nil {
		return Position{}, fmt.Errorf("open position: %w", err)
	}
	if !created {
		// A concurrent request with the same client order id got there first.
		existing, err := e.positions.Get(ctx, p.ID)
		if err != nil {
			return Position{}, fmt.Errorf("open position: %w", err)
		}
		return replayed(existing, cmd)
	}

	if e.metrics != nil && p.Status == StatusOpen {
		e.metrics.FuturesOpened.WithLabelValues(p.Symbol).Inc()
	}
	e.logger.Info().
		Str("position_id", p.ID.String()).
		Str("symbol", p.Symbol).
		Str("direction", string(p.Direction)).
		Str("type", string(p.OrderType)).
		Str("status", string(p.Status)).
		Int64("size", p.Size).
		Int64("entry", p.EntryPrice).
		Int64("margin", p.Margin).
		Msg("position placed")
	e.publish(ctx, p)

	if p.Status == StatusPending {
		if q, err := e.prices.FreshPrice(p.Symbol, e.cfg.MaxPriceAge); err == nil && p.limitReached(q.Price) {
			filled, ok, err := e.fillLimit(ctx, p)
			if err != nil {
				return p, err
			}
			if ok {
				return filled, nil
			}
		}
	}
	return p, nil
}

func (e *Engine) validateOpen(cmd OpenCmd) (market.Symbol, market.RiskParams, error) {
	if cmd.UserID == uuid.Nil {
		return market.Symbol{}, market.RiskParams{}, fmt.Errorf("%w: missing user", apperr.ErrValidation)
	}
	sym, err := market.ParseSymbol(cmd.Symbol)
	if err != nil {
		return market.Symbol{}, market.RiskParams{}, err
	}
	if cmd.Direction.Sign() == 0 {
		return sym, market.RiskParams{}, fmt.Errorf("%w: direction %q", apperr.ErrValidation, cmd.Direction)
	}
	if cmd.Size <= 0 {
		return sym, market.RiskParams{}, fmt.Errorf("%w: size must be positive", apperr.ErrValidation)
	}
	switch cmd.Type {
	case OrderMarket:
		if cmd.LimitPrice != 0 {
			return sym, market.RiskParams{}, fmt.Errorf("%w: market order with limit price", apperr.ErrValidation)
		}
	case OrderLimit:
		if cmd.LimitPrice <= 0 {
			return sym, market.RiskParams{}, fmt.Errorf("%w: limit price must be positive", apperr.ErrValidation)
		}
	default:
		return sym, market.RiskParams{}, fmt.Errorf("%w: order type %q", apperr.ErrValidation, cmd.Type)
	}
	if len(cmd.ClientOrderID) > maxClientOrderID || strings.TrimSpace(cmd.ClientOrderID) != cmd.ClientOrderID {
		return sym, market.RiskParams{}, fmt.Errorf("%w: client order id %q", apperr.ErrValidation, cmd.ClientOrderID)
	}
	params := e.risk.Get(cmd.Symbol)
	if cmd.Leverage < 1 || cmd.Leverage > params.MaxLeverage {
		return sym, params, fmt.Errorf("%w: leverage %d outside [1, %d]", apperr.ErrValidation, cmd.Leverage, params.MaxLeverage)
	}
	if err := validateTPSL(cmd.Direction, cmd.Size, cmd.TPSL); err != nil {
		return sym, params, err
	}
	return sym, params, nil
}

// replayed returns the position an earlier command with the same client
// order id created. Reusing the id for a different order is rejected.
func replayed(existing Position, cmd OpenCmd) (Position, error) {
	if existing.Symbol != cmd.Symbol || existing.Direction != cmd.Direction || existing.OrderType != cmd.Type ||
		existing.LimitPrice != cmd.LimitPrice || existing.Leverage != cmd.Leverage ||
		(existing.Status == StatusPending && existing.Size != cmd.Size) {
		return Position{}, fmt.Errorf("%w: client order id %q already used for position %s",
			apperr.ErrValidation, cmd.ClientOrderID, existing.ID)
	}
	return existing, nil
}

func clientOrderUUID(userID uuid.UUID, clientOrderID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("futures:"+userID.String()+":"+clientOrderID))
}

// fillLimit opens a pending limit position at its limit price. The margin
// was reserved at that price on placement, so no funds move. ok is false
// when the order was cancelled or filled by someone else first.
func (e *Engine) fillLimit(ctx context.Context, p Position) (Position, bool, error) {
	mm := e.risk.Get(p.Symbol).MMFraction
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if p.Status != StatusPending {
			return p, false, nil
		}
		next := p
		next.Status = StatusOpen
		next.EntryPrice = p.LimitPrice
		next.OpenedAt = e.now()
		next.UpdatedAt = next.OpenedAt
		next.LiquidationPrice = fp.ComputeLiquidationPrice(next.Direction.Sign(), next.EntryPrice, next.Margin, next.Size, mm)

		stored, swapped, err := e.positions.Update(ctx, next, p.Version)
		if err != nil {
			return p, false, fmt.Errorf("fill limit position %s: %w", p.ID, err)
		}
		if !swapped {
			p = stored
			continue
		}
		if e.metrics != nil {
			e.metrics.FuturesOpened.WithLabelValues(stored.Symbol).Inc()
		}
		e.logger.Info().
			Str("position_id", stored.ID.String()).
			Str("symbol", stored.Symbol).
			Int64("entry", stored.EntryPrice).
			Msg("limit position filled")
		e.publish(ctx, stored)
		return stored, true, nil
	}
	return p, false, fmt.Errorf("%w: position %s kept changing", apperr.ErrInvalidState, p.ID)
}

// CancelOrder cancels a pending limit position and releases its margin.
// Losing the race to a fill yields ErrAlreadyFilled.
func (e *Engine) CancelOrder(ctx context.Context, userID, positionID uuid.UUID) (Position, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		p, err := e.owned(ctx, userID, positionID)
		if err != nil {
			return Position{}, err
		}
		if p.Status != StatusPending {
			return p, notPendingError(p)
		}

		next := p
		next.Status = StatusCancelled
		next.UpdatedAt = e.now()
		next.ClosedAt = next.UpdatedAt

		var stored Position
		cancel := func(ctx context.Context) error {
			cur, swapped, err := e.positions.Update(ctx, next, p.Version)
			if err != nil {
				return err
			}
			if !swapped {
				return errVersionConflict
			}
			stored = cur
			return nil
		}
		_, err = e.ledger.Release(ctx, "futures:"+p.ID.String()+":cancel", ledger.NewAccountKey(p.UserID, p.Asset), p.Margin, cancel)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return p, fmt.Errorf("cancel position order: %w", err)
		}
		if stored.ID == uuid.Nil {
			// Already cancelled by an earlier attempt under the same key.
			cur, err := e.positions.Get(ctx, p.ID)
			if err != nil {
				return p, err
			}
			return cur, notPendingError(cur)
		}
		e.publish(ctx, stored)
		return stored, nil
	}
	return Position{}, fmt.Errorf("%w: position %s kept changing", apperr.ErrInvalidState, positionID)
}

func notPendingError(p Position) error {
	switch p.Status {
	case StatusOpen:
		return fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyFilled)
	case StatusCancelled:
		return fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyCancelled)
	case StatusClosed:
		return fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyClosed)
	default:
		return fmt.Errorf("position %s in status %s: %w", p.ID, p.Status, apperr.ErrInvalidState)
	}
}

func validateTPSL(dir Direction, size int64, t TPSL) error {
	if t.TakeProfitPrice < 0 || t.StopLossPrice < 0 {
		return fmt.Errorf("%w: trigger prices must not be negative", apperr.ErrValidation)
	}
	if t.TakeProfitSize < 0 || t.TakeProfitSize > size || t.StopLossSize < 0 || t.StopLossSize > size {
		return fmt.Errorf("%w: trigger sizes must be within [0, %d]", apperr.ErrValidation, size)
	}
	if t.TakeProfitPrice > 0 && t.StopLossPrice > 0 {
		if dir == DirectionLong && t.StopLossPrice >= t.TakeProfitPrice {
			return fmt.Errorf("%w: long stop-loss must be below take-profit", apperr.ErrValidation)
		}
		if dir == DirectionShort && t.StopLossPrice <= t.TakeProfitPrice {
			return fmt.Errorf("%w: short stop-loss must be above take-profit", apperr.ErrValidation)
		}
	}
	return nil
}

// SetTPSL replaces the position's take-profit and stop-loss settings.
func (e *Engine) SetTPSL(ctx context.Context, userID, positionID uuid.UUID, t TPSL) (Position, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		p, err := e.owned(ctx, userID, positionID)
		if err != nil {
			return Position{}, err
		}
		if p.Status != StatusOpen && p.Status != StatusPending {
			return p, fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyClosed)
		}
		if err := validateTPSL(p.Direction, p.Size, t); err != nil {
			return Position{}, err
		}

		next := p
		next.TakeProfitPrice, next.TakeProfitSize = t.TakeProfitPrice, t.TakeProfitSize
		next.StopLossPrice, next.StopLossSize = t.StopLossPrice, t.StopLossSize
		next.UpdatedAt = e.now()

		stored, swapped, err := e.positions.Update(ctx, next, p.Version)
		if err != nil {
			return Position{}, fmt.Errorf("set tp/sl: %w", err)
		}
		if swapped {
			e.publish(ctx, stored)
			return stored, nil
		}
	}
	return Position{}, fmt.Errorf("%w: position %s kept changing", apperr.ErrInvalidState, positionID)
}

// Close closes size of the position at the current price; size 0 closes it
// entirely. Losing to a concurrent full close yields ErrAlreadyClosed.
func (e *Engine) Close(ctx context.Context, userID, positionID uuid.UUID, size int64) (Position, error) {
	if size < 0 {
		return Position{}, fmt.Errorf("%w: close size must not be negative", apperr.ErrValidation)
	}
	p, err := e.owned(ctx, userID, positionID)
	if err != nil {
		return Position{}, err
	}
	if p.Status == StatusPending {
		return p, fmt.Errorf("%w: position %s has not opened yet, cancel the order instead", apperr.ErrInvalidState, p.ID)
	}
	if p.Status != StatusOpen {
		return p, fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyClosed)
	}
	if size > p.Size {
		return Position{}, fmt.Errorf("%w: close size %d exceeds position size %d", apperr.ErrValidation, size, p.Size)
	}
	q, err := e.prices.FreshPrice(p.Symbol, e.cfg.MaxPriceAge)
	if err != nil {
		return Position{}, fmt.Errorf("close position %s: %w", p.ID, err)
	}
	closed, _, err := e.closeAt(ctx, p, size, q.Price, CloseManual)
	return closed, err
}

func (e *Engine) owned(ctx context.Context, userID, positionID uuid.UUID) (Position, error) {
	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return Position{}, err
	}
	if p.UserID != userID {
		return Position{}, fmt.Errorf("%s: %w", positionID, apperr.ErrPositionNotFound)
	}
	return p, nil
}

// closeAt closes size (0 = all) of p at exitPrice. The version update is
// the condition of the settlement, so the closed portion and its funds
// commit together. p is the caller's snapshot; when it is stale the close
// is recomputed against the current state, and a sweep close re-checks its
// trigger first. The returned reason is the one that closed.
func (e *Engine) closeAt(ctx context.Context, p Position, size, exitPrice int64, reason CloseReason) (Position, CloseReason, error) {
	stale := false
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if p.Status != StatusOpen {
			return p, reason, fmt.Errorf("position %s: %w", p.ID, apperr.ErrAlreadyClosed)
		}
		if stale && reason != CloseManual {
			r, sz, hit := e.trigger(p, exitPrice)
			if !hit {
				return p, reason, errTriggerCleared
			}
			reason, size = r, sz
		}
		stale = true

		closing := size
		if closing <= 0 || closing >= p.Size {
			closing = p.Size
		}
		full := closing == p.Size

		marginPart := p.Margin
		if !full {
			marginPart = fp.ProRata(p.Margin, closing, p.Size)
		}
		pnl := fp.ComputePnL(p.Direction.Sign(), p.EntryPrice, exitPrice, closing)
		account := ledger.NewAccountKey(p.UserID, p.Asset)

		// A loss beyond the margin goes to the loss policy; what it cannot
		// collect is bad debt.
		applied, uncovered := pnl, int64(0)
		if excess := -(pnl + marginPart); excess > 0 {
			applied, uncovered = -marginPart, excess
			if e.cfg.LossPolicy == LossPolicyDrawAvailable {
				b, err := e.ledger.Get(ctx, account)
				if err != nil {
					return p, reason, fmt.Errorf("close position %s: %w", p.ID, err)
				}
				covered, remaining := ComputeCoverage(b.Available, excess)
				applied, uncovered = applied-covered, remaining
			}
		}

		next := p
		next.Size -= closing
		next.Margin -= marginPart
		next.RealizedPnL += pnl
		next.BadDebt += uncovered
		next.UpdatedAt = e.now()
		switch reason {
		case CloseTakeProfit:
			next.TakeProfitPrice, next.TakeProfitSize = 0, 0
		case CloseStopLoss:
			next.StopLossPrice, next.StopLossSize = 0, 0
		}
		if full {
			next.Status = StatusClosed
			next.ExitPrice = exitPrice
			next.CloseReason = reason
			next.ClosedAt = next.UpdatedAt
			next.LiquidationPrice = 0
		} else {
			if next.TakeProfitSize >= next.Size {
				next.TakeProfitSize = 0
			}
			if next.StopLossSize >= next.Size {
				next.StopLossSize = 0
			}
			mm := e.risk.Get(p.Symbol).MMFraction
			next.LiquidationPrice = fp.ComputeLiquidationPrice(next.Direction.Sign(), next.EntryPrice, next.Margin, next.Size, mm)
		}

		var stored, current Position
		won := false
		update := func(ctx context.Context) error {
			cur, swapped, err := e.positions.Update(ctx, next, p.Version)
			if err != nil {
				return err
			}
			if !swapped {
				current = cur
				return errVersionConflict
			}
			stored, won = cur, true
			return nil
		}
		key := "futures:" + p.ID.String() + ":v" + strconv.FormatInt(p.Version+1, 10)
		_, err := e.ledger.Settle(ctx, key, account, marginPart, applied, update)
		switch {
		case errors.Is(err, errVersionConflict):
			p = current
			continue
		case errors.Is(err, apperr.ErrInsufficientBalance) && applied < -marginPart:
			// Available moved between the read and the settlement.
			continue
		case err != nil:
			return p, reason, fmt.Errorf("close position %s: %w", p.ID, err)
		}
		if !won {
			// This version's close already committed.
			if p, err = e.positions.Get(ctx, p.ID); err != nil {
				return p, reason, err
			}
			continue
		}

		if e.insurance.RecordDeficit(key, stored.Symbol, uncovered) {
			if e.metrics != nil {
				e.metrics.BadDebt.WithLabelValues(stored.Symbol).Add(float64(uncovered))
				e.metrics.InsuranceFundDeficit.Set(float64(e.insurance.Deficit()))
			}
			e.logger.Warn().
				Str("position_id", stored.ID.String()).
				Str("symbol", stored.Symbol).
				Int64("bad_debt", uncovered).
				Msg("loss exceeded collectable funds")
		}
		if e.metrics != nil {
			e.metrics.FuturesClosed.WithLabelValues(stored.Symbol, string(reason)).Inc()
		}
		e.logger.Info().
			Str("position_id", stored.ID.String()).
			Str("symbol", stored.Symbol).
			Str("reason", string(reason)).
			Int64("closed_size", closing).
			Int64("exit", exitPrice).
			Int64("pnl", pnl).
			Int64("margin_released", marginPart).
			Bool("full", full).
			Msg("position closed")
		e.publish(ctx, stored)
		return stored, reason, nil
	}
	return p, reason, fmt.Errorf("%w: position %s kept changing", apperr.ErrInvalidState, p.ID)
}

// Sweep fills pending limit positions whose price was reached, then
// evaluates every open position once: stop-loss first, then take-profit,
// then liquidation. Positions whose price is unknown or older than the
// liquidation bound are skipped until the next sweep.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	report := SweepReport{Closed: make(map[CloseReason]int)}

	pending, err := e.positions.Pending(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("load pending positions")
		report.Errors++
	}
	if e.metrics != nil {
		e.metrics.PendingPositions.Set(float64(len(pending)))
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		q, err := e.prices.FreshPrice(p.Symbol, e.cfg.MaxPriceAge)
		if err != nil || !p.limitReached(q.Price) {
			continue
		}
		if _, ok, err := e.fillLimit(ctx, p); err != nil {
			report.Errors++
			e.logger.Error().Err(err).Str("position_id", p.ID.String()).Msg("limit fill failed")
		} else if ok {
			report.Filled++
		}
	}

	open, err := e.positions.Open(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("load open positions")
		report.Errors++
		return report
	}
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(open)))
	}

	for _, p := range open {
		if ctx.Err() != nil {
			break
		}
		q, err := e.prices.FreshPrice(p.Symbol, e.cfg.LiquidationMaxPriceAge)
		if err != nil {
			report.Skipped++
			if e.metrics != nil {
				e.metrics.SweepStaleSkips.WithLabelValues(p.Symbol).Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.PriceAge.WithLabelValues("futures_sweep").Observe(q.Age.Seconds())
		}
		report.Evaluated++

		reason, size, hit := e.trigger(p, q.Price)
		if !hit {
			continue
		}
		if reason == CloseLiquidation && e.metrics != nil {
			e.metrics.LiquidationTriggered.WithLabelValues(p.Symbol).Inc()
		}
		_, closedBy, err := e.closeAt(ctx, p, size, q.Price, reason)
		if err != nil {
			if errors.Is(err, apperr.ErrAlreadyClosed) || errors.Is(err, errTriggerCleared) {
				continue
			}
			report.Errors++
			e.logger.Error().Err(err).
				Str("position_id", p.ID.String()).
				Str("symbol", p.Symbol).
				Str("reason", string(reason)).
				Msg("sweep close failed")
			continue
		}
		report.Closed[closedBy]++
	}

	if e.metrics != nil {
		e.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return report
}

func (e *Engine) trigger(p Position, mark int64) (CloseReason, int64, bool) {
	if p.stopLossHit(mark) {
		return CloseStopLoss, p.StopLossSize, true
	}
	if p.takeProfitHit(mark) {
		return CloseTakeProfit, p.TakeProfitSize, true
	}
	if p.MarginRatio(mark) < e.risk.Get(p.Symbol).MMFraction {
		return CloseLiquidation, 0, true
	}
	return "", 0, false
}

// Run sweeps at the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	e.logger.Info().Dur("interval", e.cfg.SweepInterval).Msg("futures sweep started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r := e.Sweep(ctx)
			if len(r.Closed) > 0 || r.Filled > 0 || r.Errors > 0 {
				e.logger.Debug().
					Int("filled", r.Filled).
					Int("evaluated", r.Evaluated).
					Int("skipped", r.Skipped).
					Int("errors", r.Errors).
					Msg("sweep complete")
			}
		}
	}
}

// GetPositions lists a user's positions, newest first.
func (e *Engine) GetPositions(ctx context.Context, userID uuid.UUID, includeClosed bool) ([]Position, error) {
	return e.positions.ListByUser(ctx, userID, includeClosed)
}

func (e *Engine) publish(ctx context.Context, p Position) {
	if e.events != nil {
		e.events.Publish(ctx, p.UserID, event.KindPosition, p.Payload())
	}
}

package spot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
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

// Publisher delivers account events; satisfied by *fanout.Hub.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, kind event.Kind, payload interface{}) uint64
}

// Config tunes the engine.
type Config struct {
	// MaxPriceAge bounds the price used for market orders and for the
	// marketability check on placement. Zero disables the check.
	MaxPriceAge time.Duration
	// DiscoveryInterval is how often Run looks for newly priced symbols.
	DiscoveryInterval time.Duration
}

// PlaceOrderCmd is a request to place an order. Size and LimitPrice are
// fixed-point values. A non-empty ClientOrderID makes placement idempotent
// per user: resending the same command returns the order it created.
type PlaceOrderCmd struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          Type
	Size          int64
	LimitPrice    int64
}

const maxClientOrderID = 64

// Engine owns the order lifecycle: pending -> filled | cancelled.
// Every status change is the condition of the ledger mutation that settles
// it, so the order row and the balances commit together. Filling and
// cancelling race only through OrderStore.Transition: exactly one of them
// takes effect and only the winner's mutation commits.
type Engine struct {
	orders  OrderStore
	ledger  *ledger.Ledger
	prices  *price.Aggregator
	events  Publisher
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(
	orders OrderStore,
	l *ledger.Ledger,
	prices *price.Aggregator,
	events Publisher,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = time.Second
	}
	return &Engine{
		orders:  orders,
		ledger:  l,
		prices:  prices,
		events:  events,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the engine clock used for timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// PlaceOrder validates the command, reserves funds and records a pending
// order in one commit. A market order, or a limit order that is already
// marketable at the current price, fills before PlaceOrder returns.
func (e *Engine) PlaceOrder(ctx context.Context, cmd PlaceOrderCmd) (Order, error) {
	sym, err := e.validate(cmd)
	if err != nil {
		return Order{}, err
	}

	id := uuid.New()
	if cmd.ClientOrderID != "" {
		id = clientOrderUUID(cmd.UserID, cmd.ClientOrderID)
		existing, err := e.orders.Get(ctx, id)
		if err == nil {
			return replayed(existing, cmd)
		}
		if !errors.Is(err, apperr.ErrOrderNotFound) {
			return Order{}, fmt.Errorf("place order: %w", err)
		}
	}

	var quote price.Quote
	if cmd.Type == TypeMarket {
		quote, err = e.prices.FreshPrice(cmd.Symbol, e.cfg.MaxPriceAge)
		if err != nil {
			return Order{}, fmt.Errorf("market order on %s: %w", cmd.Symbol, err)
		}
	}

	now := e.now()
	o := Order{
		ID:            id,
		UserID:        cmd.UserID,
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Base:          sym.Base,
		Quote:         sym.Quote,
		Side:          cmd.Side,
		Type:          cmd.Type,
		LimitPrice:    cmd.LimitPrice,
		Size:          cmd.Size,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	reservePrice := cmd.LimitPrice
	if cmd.Type == TypeMarket {
		reservePrice = quote.Price
	}
	if cmd.Side == SideBuy {
		o.ReservedAsset = sym.Quote
		o.ReservedAmount = fp.ComputeNotional(cmd.Size, reservePrice)
	} else {
		o.ReservedAsset = sym.Base
		o.ReservedAmount = cmd.Size
	}
	if o.ReservedAmount <= 0 {
		return Order{}, fmt.Errorf("%w: order notional rounds to zero", apperr.ErrValidation)
	}

	created := false
	create := func(ctx context.Context) error {
		stored, err := e.orders.Create(ctx, o)
		if err != nil {
			return err
		}
		o, created = stored, true
		return nil
	}
	reserveKey := ledger.NewAccountKey(o.UserID, o.ReservedAsset)
	if _, err := e.ledger.Reserve(ctx, opKey(o.ID, "reserve"), reserveKey, o.ReservedAmount, create); err != nil {
		return Order{}, fmt.Errorf("place order: %w", err)
	}
	if !created {
		// A concurrent request with the same client order id got there first.
		existing, err := e.orders.Get(ctx, o.ID)
		if err != nil {
			return Order{}, fmt.Errorf("place order: %w", err)
		}
		return replayed(existing, cmd)
	}

	if e.metrics != nil {
		e.metrics.SpotOrdersPlaced.WithLabelValues(string(o.Type), string(o.Side)).Inc()
	}
	e.publish(ctx, o)

	switch o.Type {
	case TypeMarket:
		return e.fill(ctx, o, quote.Price)
	case TypeLimit:
		q, err := e.prices.FreshPrice(o.Symbol, e.cfg.MaxPriceAge)
		if err == nil && o.marketable(q.Price) {
			return e.fill(ctx, o, o.LimitPrice)
		}
	}
	return o, nil
}

// replayed returns the order an earlier command with the same client order
// id created. Reusing the id for a different order is rejected.
func replayed(existing Order, cmd PlaceOrderCmd) (Order, error) {
	if existing.Symbol != cmd.Symbol || existing.Side != cmd.Side || existing.Type != cmd.Type ||
		existing.Size != cmd.Size || existing.LimitPrice != cmd.LimitPrice {
		return Order{}, fmt.Errorf("%w: client order id %q already used for order %s",
			apperr.ErrValidation, cmd.ClientOrderID, existing.ID)
	}
	return existing, nil
}

// clientOrderUUID derives a stable order id from the owner and their client
// order id.
func clientOrderUUID(userID uuid.UUID, clientOrderID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("spot:"+userID.String()+":"+clientOrderID))
}

func (e *Engine) validate(cmd PlaceOrderCmd) (market.Symbol, error) {
	if cmd.UserID == uuid.Nil {
		return market.Symbol{}, fmt.Errorf("%w: missing user", apperr.ErrValidation)
	}
	sym, err := market.ParseSymbol(cmd.Symbol)
	if err != nil {
		return market.Symbol{}, err
	}
	if cmd.Side != SideBuy && cmd.Side != SideSell {
		return market.Symbol{}, fmt.Errorf("%w: side %q", apperr.ErrValidation, cmd.Side)
	}
	if cmd.Size <= 0 {
		return market.Symbol{}, fmt.Errorf("%w: size must be positive", apperr.ErrValidation)
	}
	if len(cmd.ClientOrderID) > maxClientOrderID || strings.TrimSpace(cmd.ClientOrderID) != cmd.ClientOrderID {
		return market.Symbol{}, fmt.Errorf("%w: client order id %q", apperr.ErrValidation, cmd.ClientOrderID)
	}
	switch cmd.Type {
	case TypeMarket:
		if cmd.LimitPrice != 0 {
			return market.Symbol{}, fmt.Errorf("%w: market order with limit price", apperr.ErrValidation)
		}
	case TypeLimit:
		if cmd.LimitPrice <= 0 {
			return market.Symbol{}, fmt.Errorf("%w: limit price must be positive", apperr.ErrValidation)
		}
	default:
		return market.Symbol{}, fmt.Errorf("%w: order type %q", apperr.ErrValidation, cmd.Type)
	}
	return sym, nil
}

// Cancel cancels a pending order owned by userID and releases its
// reservation. Losing the race to a fill yields ErrAlreadyFilled.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) (Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.UserID != userID {
		return Order{}, fmt.Errorf("%s: %w", orderID, apperr.ErrOrderNotFound)
	}
	if o.Status != StatusPending {
		return o, terminalError(o)
	}

	cancelled, err := e.settle(ctx, o, StatusCancelled, 0, func(ctx context.Context, cond ledger.Condition) error {
		_, err := e.ledger.Release(ctx, opKey(o.ID, "release"), ledger.NewAccountKey(o.UserID, o.ReservedAsset), o.ReservedAmount, cond)
		return err
	})
	if err != nil {
		return cancelled, err
	}

	if e.metrics != nil {
		e.metrics.SpotCancels.Inc()
	}
	e.publish(ctx, cancelled)
	return cancelled, nil
}

// OnTick fills every pending order on symbol that is marketable at tick, in
// price-time priority. Per-order failures are logged and skipped.
func (e *Engine) OnTick(ctx context.Context, symbol string, tick int64) {
	start := time.Now()
	pending, err := e.orders.Pending(ctx, symbol)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("load pending orders")
		return
	}
	if e.metrics != nil {
		e.metrics.SpotPendingOrders.WithLabelValues(symbol).Set(float64(len(pending)))
	}

	eligible := pending[:0]
	for _, o := range pending {
		if o.Type == TypeLimit && o.marketable(tick) {
			eligible = append(eligible, o)
		}
	}
	// Pending is in arrival order; a stable sort keeps it within a price level.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].aggressiveness(tick) > eligible[j].aggressiveness(tick)
	})

	for _, o := range eligible {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.fill(ctx, o, o.LimitPrice); err != nil {
			if errors.Is(err, apperr.ErrAlreadyCancelled) || errors.Is(err, apperr.ErrAlreadyFilled) {
				if e.metrics != nil {
					e.metrics.SpotLostRaces.Inc()
				}
				continue
			}
			e.logger.Error().Err(err).
				Str("order_id", o.ID.String()).
				Str("symbol", symbol).
				Msg("fill failed")
		}
	}

	if e.metrics != nil {
		e.metrics.SpotTickDuration.Observe(time.Since(start).Seconds())
	}
}

// fill moves the order to filled at execPrice and settles it in the same
// commit. Calling it again for the same order changes nothing.
func (e *Engine) fill(ctx context.Context, o Order, execPrice int64) (Order, error) {
	var receivedAsset string
	var paid, received int64
	if o.Side == SideBuy {
		receivedAsset = o.Base
		paid, received = fp.ComputeNotional(o.Size, execPrice), o.Size
	} else {
		receivedAsset = o.Quote
		paid, received = o.ReservedAmount, fp.ComputeNotional(o.Size, execPrice)
	}

	filled, err := e.settle(ctx, o, StatusFilled, execPrice, func(ctx context.Context, cond ledger.Condition) error {
		// A buy filled below its reservation price gets the difference back.
		_, err := e.ledger.Swap(ctx, opKey(o.ID, "fill"),
			ledger.NewAccountKey(o.UserID, o.ReservedAsset), o.ReservedAmount, paid,
			ledger.NewAccountKey(o.UserID, receivedAsset), received, cond)
		return err
	})
	if err != nil {
		return filled, fmt.Errorf("fill order: %w", err)
	}

	if e.metrics != nil {
		e.metrics.SpotFills.WithLabelValues(filled.Symbol).Inc()
	}
	e.publish(ctx, filled)
	return filled, nil
}

// settle runs apply with a condition that moves o from pending to status.
// The ledger commits the balance legs only if that transition wins. When it
// loses, or when the mutation was already applied, the current order is
// returned with terminalError.
func (e *Engine) settle(ctx context.Context, o Order, status Status, fillPrice int64, apply func(context.Context, ledger.Condition) error) (Order, error) {
	var out Order
	won := false
	transition := func(ctx context.Context) error {
		cur, swapped, err := e.orders.Transition(ctx, o.ID, StatusPending, status, fillPrice, e.now())
		if err != nil {
			return err
		}
		if !swapped {
			return terminalError(cur)
		}
		out, won = cur, true
		return nil
	}
	if err := apply(ctx, transition); err != nil {
		if cur, gerr := e.orders.Get(ctx, o.ID); gerr == nil {
			o = cur
		}
		return o, err
	}
	if won {
		return out, nil
	}
	cur, err := e.orders.Get(ctx, o.ID)
	if err != nil {
		return o, err
	}
	return cur, terminalError(cur)
}

// GetOrders lists a user's orders, newest first.
func (e *Engine) GetOrders(ctx context.Context, userID uuid.UUID, limit int) ([]Order, error) {
	return e.orders.ListByUser(ctx, userID, limit)
}

// Run starts one matching task per priced symbol and blocks until ctx is
// cancelled. symbols are watched immediately; others are picked up as soon
// as the aggregator first prices them.
func (e *Engine) Run(ctx context.Context, symbols []string) error {
	var wg sync.WaitGroup
	watching := make(map[string]bool)

	start := func(symbol string) {
		if watching[symbol] {
			return
		}
		watching[symbol] = true
		ticks, cancel := e.prices.Watch(symbol)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			e.runSymbol(ctx, symbol, ticks)
		}()
		e.logger.Info().Str("symbol", symbol).Msg("spot matching started")
	}

	for _, s := range symbols {
		start(s)
	}
	for _, s := range e.prices.Symbols() {
		start(s)
	}

	ticker := time.NewTicker(e.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			for _, s := range e.prices.Symbols() {
				start(s)
			}
		}
	}
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, ticks <-chan price.Sample) {
	// Evaluate the current price once so orders resting before start are seen.
	if q, err := e.prices.GetPrice(symbol); err == nil {
		e.OnTick(ctx, symbol, q.Price)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ticks:
			if !ok {
				return
			}
			e.OnTick(ctx, symbol, s.Price)
		}
	}
}

func (e *Engine) publish(ctx context.Context, o Order) {
	if e.events != nil {
		e.events.Publish(ctx, o.UserID, event.KindOrder, o.Payload())
	}
}

func terminalError(o Order) error {
	switch o.Status {
	case StatusFilled:
		return fmt.Errorf("order %s: %w", o.ID, apperr.ErrAlreadyFilled)
	case StatusCancelled:
		return fmt.Errorf("order %s: %w", o.ID, apperr.ErrAlreadyCancelled)
	default:
		return fmt.Errorf("order %s in status %s: %w", o.ID, o.Status, apperr.ErrInvalidState)
	}
}

func opKey(orderID uuid.UUID, step string) string {
	return "spot:" + orderID.String() + ":" + step
}

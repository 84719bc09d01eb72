package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/config"
	"TradeLedger/internal/core"
	"TradeLedger/internal/event"
	"TradeLedger/internal/fanout"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/price"
	"TradeLedger/internal/spot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 100_000_000

// --- Test helpers ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newExchange(t *testing.T) (*core.Exchange, *clock) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	x, err := core.New(core.Deps{Config: cfg, Logger: zerolog.Nop(), Clock: clk.Now})
	require.NoError(t, err)
	return x, clk
}

func setPrice(t *testing.T, x *core.Exchange, clk *clock, symbol string, p int64) {
	t.Helper()
	clk.Advance(time.Millisecond)
	require.True(t, x.Prices.Ingest(price.Sample{Symbol: symbol, Price: p, Source: "test", ObservedAt: clk.Now()}))
}

// collect waits for n events from ch.
func collect(t *testing.T, ch <-chan event.AccountEvent, n int) []event.AccountEvent {
	t.Helper()
	out := make([]event.AccountEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-timeout:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

// stuckChannel never completes a send until release is closed.
type stuckChannel struct {
	release chan struct{}
}

func (c stuckChannel) Send(event.AccountEvent) error {
	<-c.release
	return nil
}

func (c stuckChannel) Close() error { return nil }

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_PostgresRequiresDB(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store = config.StorePostgres

	_, err = core.New(core.Deps{Config: cfg, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	x, _ := newExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ============================================================================
// Test: Spot flow
// ============================================================================

func TestSpotLimitBuy_FillsOnTickAndStreamsEvents(t *testing.T) {
	x, clk := newExchange(t)
	ctx := context.Background()
	user := uuid.New()

	ch := fanout.NewChanChannel(64)
	sub := x.Hub.Subscribe(user, ch)
	defer sub.Cancel()

	_, err := x.Ledger.Deposit(ctx, "dep-1", ledger.NewAccountKey(user, "USDT"), 1000*unit)
	require.NoError(t, err)

	o, err := x.Spot.PlaceOrder(ctx, spot.PlaceOrderCmd{
		UserID: user, Symbol: "BTCUSDT", Side: spot.SideBuy, Type: spot.TypeLimit,
		Size: unit / 100, LimitPrice: 50_000 * unit,
	})
	require.NoError(t, err)
	assert.Equal(t, spot.StatusPending, o.Status)

	// Above the limit: nothing happens.
	setPrice(t, x, clk, "BTCUSDT", 50_100*unit)
	x.Spot.OnTick(ctx, "BTCUSDT", 50_100*unit)

	setPrice(t, x, clk, "BTCUSDT", 49_900*unit)
	x.Spot.OnTick(ctx, "BTCUSDT", 49_900*unit)

	balances, err := x.Query.GetBalances(ctx, user)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.Equal(t, "0.01", balances[0].Available)
	assert.Equal(t, "500", balances[1].Available)
	assert.Equal(t, "0", balances[1].Reserved)

	events := collect(t, ch.C(), 6)
	kinds := make([]event.Kind, 0, len(events))
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []event.Kind{
		event.KindBalance, // deposit
		event.KindBalance, // reserve
		event.KindOrder,   // pending
		event.KindBalance, // fill: BTC credited
		event.KindBalance, // fill: USDT consumed
		event.KindOrder,   // filled
	}, kinds)
	last := events[len(events)-1].Payload.(event.OrderPayload)
	assert.Equal(t, "filled", last.Status)
	assert.Equal(t, "50000", last.FillPrice)
}

func TestSpotCancel_ReleasesReservation(t *testing.T) {
	x, _ := newExchange(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := x.Ledger.Deposit(ctx, "dep-1", ledger.NewAccountKey(user, "BTC"), unit)
	require.NoError(t, err)

	o, err := x.Spot.PlaceOrder(ctx, spot.PlaceOrderCmd{
		UserID: user, Symbol: "BTCUSDT", Side: spot.SideSell, Type: spot.TypeLimit,
		Size: unit / 2, LimitPrice: 60_000 * unit,
	})
	require.NoError(t, err)

	_, err = x.Spot.Cancel(ctx, user, o.ID)
	require.NoError(t, err)
	_, err = x.Spot.Cancel(ctx, user, o.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyCancelled)

	b, err := x.Query.GetBalance(ctx, user, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "1", b.Available)
	assert.Equal(t, "0", b.Reserved)
}

// ============================================================================
// Test: Futures flow
// ============================================================================

func TestFuturesLiquidation_EndToEnd(t *testing.T) {
	x, clk := newExchange(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := x.Ledger.Deposit(ctx, "dep-1", ledger.NewAccountKey(user, "USDT"), 1000*unit)
	require.NoError(t, err)

	setPrice(t, x, clk, "BTCUSDT", 50_000*unit)
	p, err := x.Futures.Open(ctx, futures.OpenCmd{
		UserID: user, Symbol: "BTCUSDT", Direction: futures.DirectionLong, Size: unit / 10, Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500*unit), p.Margin)

	setPrice(t, x, clk, "BTCUSDT", 44_000*unit)
	report := x.Futures.Sweep(ctx)
	assert.Equal(t, 1, report.Closed[futures.CloseLiquidation])

	positions, err := x.Query.GetPositions(ctx, user, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "closed", positions[0].Status)
	assert.Equal(t, "liquidation", positions[0].CloseReason)
	assert.Equal(t, "100", positions[0].BadDebt)

	b, err := x.Query.GetBalance(ctx, user, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "500", b.Available)
	assert.Equal(t, "0", b.Reserved)
	assert.Equal(t, "100", x.Query.GetInsurance().Deficit)
}

func TestDuplicateDeposit_AppliedOnce(t *testing.T) {
	x, _ := newExchange(t)
	ctx := context.Background()
	key := ledger.NewAccountKey(uuid.New(), "USDT")

	for i := 0; i < 3; i++ {
		_, err := x.Ledger.Deposit(ctx, "dep-same", key, 100*unit)
		require.NoError(t, err)
	}
	b, err := x.Ledger.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(100*unit), b.Available)
}

func TestDeposit_NotStalledBySlowSubscriber(t *testing.T) {
	x, _ := newExchange(t)
	ctx := context.Background()
	user := uuid.New()
	stuck := stuckChannel{release: make(chan struct{})}
	defer close(stuck.release)
	sub := x.Hub.Subscribe(user, stuck)
	defer sub.Cancel()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if _, err := x.Ledger.Deposit(ctx, fmt.Sprintf("dep-%d", i), ledger.NewAccountKey(user, "USDT"), unit); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deposits waited on a stuck subscriber")
	}
	b, err := x.Ledger.Get(ctx, ledger.NewAccountKey(user, "USDT"))
	require.NoError(t, err)
	assert.Equal(t, int64(3*unit), b.Available)
}

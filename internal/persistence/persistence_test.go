package persistence_test

import (
	"context"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/spot"
	"TradeLedger/internal/testutil"
	"TradeLedger/migrations"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = 100_000_000

// ============================================================================
// Test: migrations
// ============================================================================

func TestPending_OrdersAndSkipsApplied(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"000003_c.up.sql":   {Data: []byte("SELECT 3")},
		"README.md":         {Data: []byte("notes")},
	}

	got, err := persistence.Pending(files, map[string]bool{"000002": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000003_c.up.sql"}, got)
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := persistence.Pending(migrations.FS, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"000001_ledger.up.sql",
		"000002_trading.up.sql",
		"000003_client_ids_and_limit_positions.up.sql",
	}, got)
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := persistence.NewMigrator(db, migrations.FS, zerolog.Nop())
	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// ============================================================================
// Test: balance store (integration)
// ============================================================================

func newLedger(t *testing.T) (*ledger.Ledger, *persistence.PostgresBalanceStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	store := persistence.NewPostgresBalanceStore(db)
	return ledger.New(store, ledger.Options{}), store, cleanup
}

func TestPostgresBalanceStore_ReserveAndGuard(t *testing.T) {
	l, store, cleanup := newLedger(t)
	defer cleanup()
	ctx := context.Background()
	key := ledger.NewAccountKey(uuid.New(), "USDT")

	_, err := l.Credit(ctx, "fund", key, 1000*unit)
	require.NoError(t, err)

	b, err := l.Reserve(ctx, "r1", key, 400*unit)
	require.NoError(t, err)
	assert.Equal(t, int64(600*unit), b.Available)
	assert.Equal(t, int64(400*unit), b.Reserved)

	_, err = l.Reserve(ctx, "r2", key, 601*unit)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	_, err = l.Release(ctx, "rel", key, 401*unit)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	// The failed mutations left nothing behind.
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(600*unit), got.Available)
	assert.Equal(t, int64(400*unit), got.Reserved)
	assert.Equal(t, int64(2), got.Version)
}

func TestPostgresBalanceStore_DuplicateOpKey(t *testing.T) {
	_, store, cleanup := newLedger(t)
	defer cleanup()
	ctx := context.Background()
	key := ledger.NewAccountKey(uuid.New(), "USDT")

	m := ledger.Mutation{OpKey: "dup", Op: ledger.OpCredit, Legs: []ledger.Leg{{Key: key, AvailableDelta: unit}}}
	_, err := store.Apply(ctx, m)
	require.NoError(t, err)
	_, err = store.Apply(ctx, m)
	assert.ErrorIs(t, err, ledger.ErrDuplicateOp)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(unit), got.Available)
}

func TestPostgresBalanceStore_ConcurrentReservesNeverOverdraw(t *testing.T) {
	l, store, cleanup := newLedger(t)
	defer cleanup()
	ctx := context.Background()
	key := ledger.NewAccountKey(uuid.New(), "USDT")
	_, err := l.Credit(ctx, "fund", key, 10*unit)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Reserve(ctx, uuid.NewString(), key, unit); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 10, ok)
	assert.Equal(t, int64(0), got.Available)
	assert.Equal(t, int64(10*unit), got.Reserved)
}

func TestPostgresBalanceStore_SwapIsAtomic(t *testing.T) {
	l, store, cleanup := newLedger(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()
	usdt, btc := ledger.NewAccountKey(user, "USDT"), ledger.NewAccountKey(user, "BTC")

	_, err := l.Credit(ctx, "fund", usdt, 500*unit)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "r", usdt, 500*unit)
	require.NoError(t, err)

	_, err = l.Swap(ctx, "s", usdt, 500*unit, 500*unit, btc, unit/100)
	require.NoError(t, err)

	balances, err := store.List(ctx, user)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Key.Asset)
	assert.Equal(t, int64(unit/100), balances[0].Available)
	assert.Equal(t, int64(0), balances[1].Total())
}

func TestPostgresBalanceStore_ConditionSharesTransaction(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	l := ledger.New(persistence.NewPostgresBalanceStore(db), ledger.Options{})
	orders := persistence.NewPostgresOrderStore(db)

	user := uuid.New()
	key := ledger.NewAccountKey(user, "USDT")
	_, err := l.Credit(ctx, "fund", key, 100*unit)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := spot.Order{
		ID: uuid.New(), UserID: user, Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
		Side: spot.SideBuy, Type: spot.TypeLimit, LimitPrice: 50_000 * unit, Size: unit / 100,
		Status: spot.StatusPending, ReservedAsset: "USDT", ReservedAmount: 500 * unit,
		CreatedAt: now, UpdatedAt: now,
	}
	create := func(ctx context.Context) error {
		_, err := orders.Create(ctx, order)
		return err
	}

	// The guard fails after the order insert; both roll back.
	_, err = l.Reserve(ctx, "reserve", key, 500*unit, create)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	_, err = orders.Get(ctx, order.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	order.ReservedAmount = 50 * unit
	_, err = l.Reserve(ctx, "reserve", key, 50*unit, create)
	require.NoError(t, err)
	_, err = orders.Get(ctx, order.ID)
	require.NoError(t, err)

	// A failing condition rolls back the legs and frees the key.
	_, err = l.Release(ctx, "release", key, 50*unit, func(context.Context) error {
		return apperr.ErrAlreadyFilled
	})
	assert.ErrorIs(t, err, apperr.ErrAlreadyFilled)
	b, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(50*unit), b.Reserved)
	_, err = l.Release(ctx, "release", key, 50*unit)
	require.NoError(t, err)
}

// ============================================================================
// Test: journal worker (integration)
// ============================================================================

func TestJournalWorker_FlushesOnShutdown(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	worker := persistence.NewJournalWorker(db, 100, time.Hour, zerolog.Nop(), nil)
	l := ledger.New(persistence.NewPostgresBalanceStore(db), ledger.Options{Auditor: worker})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	key := ledger.NewAccountKey(uuid.New(), "USDT")
	_, err := l.Credit(context.Background(), "c1", key, 5*unit)
	require.NoError(t, err)
	_, err = l.Reserve(context.Background(), "r1", key, 2*unit)
	require.NoError(t, err)

	cancel()
	<-done

	history, err := worker.History(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r1", history[0].OpKey)
	assert.Equal(t, int64(3*unit), history[0].Available)
	assert.Equal(t, ledger.OpCredit, history[1].Op)
}

// ============================================================================
// Test: order and position stores (integration)
// ============================================================================

func TestPostgresOrderStore_Transition(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := persistence.NewPostgresOrderStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	user := uuid.New()
	first, err := store.Create(ctx, spot.Order{
		ID: uuid.New(), UserID: user, Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
		Side: spot.SideBuy, Type: spot.TypeLimit, LimitPrice: 50_000 * unit, Size: unit / 100,
		Status: spot.StatusPending, ReservedAsset: "USDT", ReservedAmount: 500 * unit,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	second, err := store.Create(ctx, spot.Order{
		ID: uuid.New(), UserID: user, Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
		Side: spot.SideSell, Type: spot.TypeLimit, LimitPrice: 51_000 * unit, Size: unit / 100,
		Status: spot.StatusPending, ReservedAsset: "BTC", ReservedAmount: unit / 100,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	pending, err := store.Pending(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	filled, swapped, err := store.Transition(ctx, first.ID, spot.StatusPending, spot.StatusFilled, 50_000*unit, now)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(50_000*unit), filled.FillPrice)

	cur, swapped, err := store.Transition(ctx, first.ID, spot.StatusPending, spot.StatusCancelled, 0, now)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, spot.StatusFilled, cur.Status)

	_, _, err = store.Transition(ctx, uuid.New(), spot.StatusPending, spot.StatusCancelled, 0, now)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	orders, err := store.ListByUser(ctx, user, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, second.ID, orders[0].ID)
}

func TestPostgresPositionStore_UpdateIsConditional(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := persistence.NewPostgresPositionStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	p := futures.Position{
		ID: uuid.New(), UserID: uuid.New(), Symbol: "BTCUSDT", Asset: "USDT",
		Direction: futures.DirectionLong, OrderType: futures.OrderMarket, Size: unit / 10, EntryPrice: 50_000 * unit,
		Leverage: 10, Margin: 500 * unit, Status: futures.StatusOpen, Version: 1,
		OpenedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, p))

	open, err := store.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	closed := p
	closed.Size, closed.Margin = 0, 0
	closed.Status, closed.CloseReason = futures.StatusClosed, futures.CloseManual
	closed.ExitPrice, closed.RealizedPnL = 60_000*unit, 1000*unit
	closed.ClosedAt = now

	stored, swapped, err := store.Update(ctx, closed, 1)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), stored.Version)

	cur, swapped, err := store.Update(ctx, p, 1)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, futures.StatusClosed, cur.Status)
	assert.Equal(t, now, cur.ClosedAt.UTC())

	open, err = store.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := store.ListByUser(ctx, p.UserID, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	onlyOpen, err := store.ListByUser(ctx, p.UserID, false)
	require.NoError(t, err)
	assert.Empty(t, onlyOpen)
}

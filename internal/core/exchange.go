// Package core assembles the price aggregator, ledger, engines and fanout
// hub into one running exchange.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/config"
	"TradeLedger/internal/event"
	"TradeLedger/internal/fanout"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/market"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/price"
	"TradeLedger/internal/query"
	"TradeLedger/internal/spot"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Deps are the process-level resources the exchange is built on.
type Deps struct {
	Config config.Config
	// DB is required when Config.Store is postgres.
	DB *sql.DB
	// Auditor receives every committed ledger mutation; optional.
	Auditor ledger.Auditor
	// Sinks mirror account events outside the process (NATS).
	Sinks   []fanout.Sink
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	// Clock overrides the aggregator clock; nil means wall time.
	Clock price.Clock
}

// Exchange owns every component. Fields are exported for the transport layer.
type Exchange struct {
	Prices    *price.Aggregator
	Ledger    *ledger.Ledger
	Risk      *market.RiskParamsRegistry
	Insurance *futures.InsuranceFund
	Spot      *spot.Engine
	Futures   *futures.Engine
	Hub       *fanout.Hub
	Query     *query.Service

	symbols []string
	logger  zerolog.Logger
}

func New(d Deps) (*Exchange, error) {
	cfg := d.Config
	fallback, err := cfg.RiskFallback()
	if err != nil {
		return nil, err
	}
	risk, err := market.NewRiskParamsRegistry(fallback)
	if err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}

	var (
		balances  ledger.BalanceStore
		orders    spot.OrderStore
		positions futures.PositionStore
	)
	switch cfg.Store {
	case config.StorePostgres:
		if d.DB == nil {
			return nil, fmt.Errorf("%w: postgres store selected without a database", apperr.ErrValidation)
		}
		balances = persistence.NewPostgresBalanceStore(d.DB)
		orders = persistence.NewPostgresOrderStore(d.DB)
		positions = persistence.NewPostgresPositionStore(d.DB)
	default:
		balances = ledger.NewMemoryStore()
		orders = spot.NewMemoryOrderStore()
		positions = futures.NewMemoryPositionStore()
	}

	x := &Exchange{
		Risk:      risk,
		Insurance: futures.NewInsuranceFund(),
		symbols:   cfg.Symbols,
		logger:    d.Logger,
	}
	x.Prices = price.NewAggregator(d.Clock, d.Metrics)
	x.Hub = fanout.NewHub(d.Logger.With().Str("component", "fanout").Logger(), d.Metrics, cfg.Fanout.ChannelBuffer, d.Sinks...)
	x.Ledger = ledger.New(balances, ledger.Options{
		LRUCapacity: cfg.Ledger.LRUCapacity,
		Auditor:     d.Auditor,
		Listener: func(ctx context.Context, b ledger.Balance) {
			x.Hub.Publish(ctx, b.Key.UserID, event.KindBalance, event.NewBalancePayload(b))
		},
		Metrics: d.Metrics,
		Logger:  d.Logger.With().Str("component", "ledger").Logger(),
	})
	x.Spot = spot.NewEngine(orders, x.Ledger, x.Prices, x.Hub, cfg.SpotEngineConfig(),
		d.Logger.With().Str("component", "spot").Logger(), d.Metrics)
	x.Futures = futures.NewEngine(positions, x.Ledger, x.Prices, risk, x.Hub, x.Insurance, cfg.FuturesEngineConfig(),
		d.Logger.With().Str("component", "futures").Logger(), d.Metrics)
	x.Query = query.NewService(x.Ledger, orders, positions, x.Prices, x.Insurance)
	return x, nil
}

// Run drives order matching and the position sweep until ctx is cancelled.
// A cancelled context is a clean stop and returns nil.
func (x *Exchange) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return x.Spot.Run(ctx, x.symbols) })
	g.Go(func() error { return x.Futures.Run(ctx) })
	x.logger.Info().Strs("symbols", x.symbols).Msg("exchange running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

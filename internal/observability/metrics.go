package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TradeLedger.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Ledger ---
	LedgerOps             *prometheus.CounterVec
	LedgerOpDuration      *prometheus.HistogramVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Prices ---
	PriceSamples *prometheus.CounterVec
	PriceAge     *prometheus.HistogramVec

	// --- Spot ---
	SpotOrdersPlaced    *prometheus.CounterVec
	SpotFills           *prometheus.CounterVec
	SpotCancels         prometheus.Counter
	SpotLostRaces       prometheus.Counter
	SpotTickDuration    prometheus.Histogram
	SpotPendingOrders   *prometheus.GaugeVec

	// --- Futures ---
	FuturesOpened        *prometheus.CounterVec
	FuturesClosed        *prometheus.CounterVec
	LiquidationTriggered *prometheus.CounterVec
	BadDebt              *prometheus.CounterVec
	InsuranceFundDeficit prometheus.Gauge
	SweepDuration        prometheus.Histogram
	SweepStaleSkips      *prometheus.CounterVec
	OpenPositions        prometheus.Gauge
	PendingPositions     prometheus.Gauge

	// --- Fanout ---
	FanoutPublished   *prometheus.CounterVec
	FanoutPruned      prometheus.Counter
	FanoutSubscribers prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Persistence ---
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Ledger
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_ledger_ops_total",
			Help: "Ledger operations by op and outcome kind",
		}, []string{"op", "outcome"}),

		LedgerOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_ledger_op_duration_seconds",
			Help:    "Time to apply one ledger operation against the store",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_idempotency_duplicates_total",
			Help: "Duplicate operation keys caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "trade_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Prices
		PriceSamples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_price_samples_total",
			Help: "Price samples by source and outcome (accepted/stale/invalid)",
		}, []string{"source", "outcome"}),

		PriceAge: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_price_age_seconds",
			Help:    "Age of the price used by a consumer at evaluation time",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"consumer"}),

		// Spot
		SpotOrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_spot_orders_placed_total",
			Help: "Spot orders accepted",
		}, []string{"kind", "side"}),

		SpotFills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_spot_fills_total",
			Help: "Spot orders filled",
		}, []string{"symbol"}),

		SpotCancels: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_spot_cancels_total",
			Help: "Spot orders cancelled",
		}),

		SpotLostRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_spot_lost_races_total",
			Help: "Fills or cancels that found the order already terminal",
		}),

		SpotTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_spot_tick_duration_seconds",
			Help:    "Time to match one tick against pending orders",
			Buckets: latencyBuckets,
		}),

		SpotPendingOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trade_spot_pending_orders",
			Help: "Pending orders seen at the last tick",
		}, []string{"symbol"}),

		// Futures
		FuturesOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_futures_opened_total",
			Help: "Positions opened",
		}, []string{"symbol"}),

		FuturesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_futures_closed_total",
			Help: "Position closes by reason (manual/take_profit/stop_loss/liquidation)",
		}, []string{"symbol", "reason"}),

		LiquidationTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_liquidation_triggered_total",
			Help: "Liquidations triggered",
		}, []string{"symbol"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_bad_debt_total",
			Help: "Losses exceeding what the loss policy could collect, in quote units",
		}, []string{"symbol"}),

		InsuranceFundDeficit: f.NewGauge(prometheus.GaugeOpts{
			Name: "trade_insurance_fund_deficit",
			Help: "Accumulated uncovered deficit",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_futures_sweep_duration_seconds",
			Help:    "Time to evaluate all open positions",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SweepStaleSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_futures_sweep_stale_skips_total",
			Help: "Positions skipped because the price was stale or unknown",
		}, []string{"symbol"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "trade_futures_open_positions",
			Help: "Open positions at the last sweep",
		}),

		PendingPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "trade_futures_pending_positions",
			Help: "Pending limit positions at the last sweep",
		}),

		// Fanout
		FanoutPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_fanout_published_total",
			Help: "Account events delivered to at least the hub",
		}, []string{"kind"}),

		FanoutPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_fanout_pruned_total",
			Help: "Channels removed after a failed send",
		}),

		FanoutSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "trade_fanout_subscribers",
			Help: "Live channels across all users",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trade_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trade_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trade_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// Persistence
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_persist_batch_size",
			Help:    "Journal entries per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "trade_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

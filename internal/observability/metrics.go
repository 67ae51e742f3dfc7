package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the protocol engine.
type Metrics struct {
	// --- Operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Trove ledger ---
	TrovesOpen prometheus.Gauge
	IndexSize  prometheus.Gauge
	TotalDebt  prometheus.Gauge

	// --- Stability pool ---
	PoolStake prometheus.Gauge
	PoolEpoch prometheus.Gauge
	PoolScale prometheus.Gauge

	// --- Liquidation & redemption ---
	LiquidationsTotal     prometheus.Counter
	TrovesLiquidated      prometheus.Counter
	DebtOffsetTotal       prometheus.Counter
	DebtRedistributedTotal prometheus.Counter
	RedemptionsTotal      prometheus.Counter
	RedeemedTotal         prometheus.Counter
	RedemptionFeesTotal   prometheus.Counter

	// --- Oracle feed ---
	PricesReceived *prometheus.CounterVec
	PricesRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistEnvelopesWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistBatchDur         prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistLastSequence     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Operations
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_ops_rejected_total",
			Help: "Operations rejected before any state change",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aero_op_duration_seconds",
			Help:    "Time to validate and apply one operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_sequence",
			Help: "Next operation sequence number",
		}),

		// Trove ledger
		TrovesOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_troves_open",
			Help: "Open troves in the ledger",
		}),

		IndexSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_index_size",
			Help: "Nodes in the sorted trove index",
		}),

		TotalDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_total_debt",
			Help: "Outstanding stable token debt across all troves",
		}),

		// Stability pool
		PoolStake: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_pool_stake",
			Help: "Total stable tokens staked in the stability pool",
		}),

		PoolEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_pool_epoch",
			Help: "Current stability pool epoch",
		}),

		PoolScale: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_pool_scale",
			Help: "Current stability pool scale within the epoch",
		}),

		// Liquidation & redemption
		LiquidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_liquidations_total",
			Help: "Liquidation batches committed",
		}),

		TrovesLiquidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_troves_liquidated_total",
			Help: "Troves closed by liquidation",
		}),

		DebtOffsetTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_debt_offset_total",
			Help: "Debt burned against the stability pool",
		}),

		DebtRedistributedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_debt_redistributed_total",
			Help: "Debt redistributed across surviving troves",
		}),

		RedemptionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_redemptions_total",
			Help: "Redemptions committed",
		}),

		RedeemedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_redeemed_total",
			Help: "Stable tokens burned by redemption",
		}),

		RedemptionFeesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_redemption_fees_total",
			Help: "Redemption fees charged (stable token value)",
		}),

		// Oracle feed
		PricesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_prices_received_total",
			Help: "Price updates accepted into the cache",
		}, []string{"denom"}),

		PricesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_prices_rejected_total",
			Help: "Price updates rejected (stale sequence, invalid)",
		}, []string{"denom", "reason"}),

		// Persistence
		PersistEnvelopesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aero_persist_envelopes_written_total",
			Help: "Operation envelopes written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aero_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aero_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aero_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aero_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the protection ledger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Protection pools ---
	ProtectionsSold     *prometheus.CounterVec
	ProtectionsExpired  *prometheus.CounterVec
	PremiumAccrued      *prometheus.CounterVec
	LoanTransitions     *prometheus.CounterVec
	CapitalLocked       *prometheus.CounterVec
	UnlockedClaims      *prometheus.CounterVec
	PoolLeverageRatio   *prometheus.GaugeVec
	PoolTotalCapital    *prometheus.GaugeVec
	PoolTotalProtection *prometheus.GaugeVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels and backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency and ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge
	DedupStoreErrors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Checkpoints and replay ---
	CheckpointsWritten prometheus.Counter
	ReplayEventsTotal  prometheus.Counter
	ReplayDuration     prometheus.Gauge

	// --- Keeper ---
	KeeperRuns *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_core_events_applied_total",
			Help: "Commands applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_core_events_rejected_total",
			Help: "Commands rejected (duplicate, precondition)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protection_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "protection_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "protection_core_sequence",
			Help: "Current global sequence number",
		}),

		ProtectionsSold: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_pool_protections_sold_total",
			Help: "Protections sold, renewals included",
		}, []string{"pool", "kind"}),

		ProtectionsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_pool_protections_expired_total",
			Help: "Protections expired by accrual sweeps",
		}, []string{"pool"}),

		PremiumAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_pool_premium_accrued_total",
			Help: "Premium recognised as capital, in whole underlying units",
		}, []string{"pool"}),

		LoanTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_default_state_transitions_total",
			Help: "Loan status transitions applied by assessments",
		}, []string{"pool", "to"}),

		CapitalLocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_default_state_capital_locks_total",
			Help: "Capital lock and unlock operations",
		}, []string{"pool", "op"}),

		UnlockedClaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_pool_unlocked_claims_total",
			Help: "Unlocked capital claims paid",
		}, []string{"pool"}),

		PoolLeverageRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_pool_leverage_ratio",
			Help: "Total protection over total capital",
		}, []string{"pool"}),

		PoolTotalCapital: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_pool_total_capital",
			Help: "Seller capital in whole underlying units",
		}, []string{"pool"}),

		PoolTotalProtection: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_pool_total_protection",
			Help: "Protection in force in whole underlying units",
		}, []string{"pool"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protection_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "protection_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protection_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protection_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "protection_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "protection_dedup_lru_evictions",
			Help: "LRU evictions since start",
		}),

		DedupStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_dedup_store_errors_total",
			Help: "Event log dedup lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "protection_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "protection_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		CheckpointsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_checkpoints_written_total",
			Help: "State hash checkpoints written",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "protection_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "protection_replay_duration_seconds",
			Help: "Total replay time",
		}),

		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_keeper_runs_total",
			Help: "Keeper jobs fired",
		}, []string{"job", "status"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protection_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protection_query_duration_seconds",
			Help:    "Query latency",
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

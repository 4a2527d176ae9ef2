package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	CoreQueueDepth       prometheus.Gauge

	// --- Protocol ---
	TotalDebt           prometheus.Gauge
	PoolStake           prometheus.Gauge
	PoolEpoch           prometheus.Gauge
	OpenPositions       *prometheus.GaugeVec
	Liquidations        *prometheus.CounterVec
	LiquidatedDebt      *prometheus.CounterVec
	RedistributedDebt   *prometheus.CounterVec
	RedemptionVolume    *prometheus.CounterVec
	OrderingRejections  *prometheus.CounterVec
	PriceUpdatesIgnored *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter
	PublishDrops        prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken     prometheus.Counter
	SnapshotArchived  *prometheus.CounterVec
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projections & query ---
	ProjectionLastSeq   prometheus.Gauge
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. It registers on
// the default registry, so call it once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_rejected_total",
			Help: "Commands rejected, by error kind",
		}, []string{"event_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_queue_depth",
			Help: "Commands waiting for the sequencer",
		}),

		TotalDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_debt",
			Help: "Outstanding debt in micro-peg-units, default pools included",
		}),

		PoolStake: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_stake",
			Help: "Stable held by the stability pool",
		}),

		PoolEpoch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_pool_epoch",
			Help: "Times the stability pool has been emptied",
		}),

		OpenPositions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_open_positions",
			Help: "Open positions per collateral denom",
		}, []string{"denom"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Positions liquidated, by absorption path",
		}, []string{"denom", "path"}),

		LiquidatedDebt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt burned against the stability pool",
		}, []string{"denom"}),

		RedistributedDebt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redistributed_debt_total",
			Help: "Debt redistributed to other positions",
		}, []string{"denom"}),

		RedemptionVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redemption_volume_total",
			Help: "Stable redeemed for collateral",
		}, []string{"denom"}),

		OrderingRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_ordering_rejections_total",
			Help: "Commands rejected for a stale or wrong hint",
		}, []string{"event_type"}),

		PriceUpdatesIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_price_updates_ignored_total",
			Help: "Price updates older than the stored one",
		}, []string{"denom"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Applied commands not published due to full publish channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotArchived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_snapshot_archived_total",
			Help: "Snapshot uploads to object storage",
		}, []string{"result"}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ProjectionLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_projection_last_sequence",
			Help: "Last sequence applied to read models",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BidLedger.
// Every consumer nil-checks the *Metrics before use, so tests may pass nil.
type Metrics struct {
	// --- Bid events ---
	BidsTotal        *prometheus.CounterVec
	BidEventDuration *prometheus.HistogramVec
	AutoBidsPlaced   prometheus.Counter
	AutoBidRulesDead prometheus.Counter
	Extensions       prometheus.Counter
	LiveUnits        prometheus.Gauge

	// --- Escrow ---
	EscrowOps      *prometheus.CounterVec
	EscrowDispatch *prometheus.CounterVec

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	SettlementTimeouts prometheus.Counter
	SchedulerPending   prometheus.Gauge

	// --- Channel & backpressure ---
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	PublishErrors   prometheus.Counter
	WebsocketConns  prometheus.Gauge
	SubscriberDrops prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistDuplicateWins prometheus.Counter

	// --- Archive ---
	ArchiveUploads *prometheus.CounterVec

	// --- Ingestion & API ---
	CommandsProcessed *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	APIDuration       *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
	}

	return &Metrics{
		BidsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_bids_total",
			Help: "Bid requests by outcome (accepted or rejection code)",
		}, []string{"auction_type", "outcome"}),

		BidEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bidledger_bid_event_duration_seconds",
			Help:    "Time to process one bid event inside its unit, escrow hold included",
			Buckets: latencyBuckets,
		}, []string{"auction_type"}),

		AutoBidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_autobids_placed_total",
			Help: "Bids placed by auto-bid rules",
		}),

		AutoBidRulesDead: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_autobid_rules_exhausted_total",
			Help: "Auto-bid rules deactivated because the price passed their ceiling",
		}),

		Extensions: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_antisnipe_extensions_total",
			Help: "Times ends_at was pushed by the anti-snipe controller",
		}),

		LiveUnits: f.NewGauge(prometheus.GaugeOpts{
			Name: "bidledger_live_units",
			Help: "Auction serialization units currently running",
		}),

		EscrowOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_escrow_ops_total",
			Help: "Funds provider hold calls by result",
		}, []string{"op", "result"}),

		EscrowDispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_escrow_dispatch_total",
			Help: "Asynchronous release/refund calls by result",
		}, []string{"op", "result"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_settlements_total",
			Help: "Settlement outcomes",
		}, []string{"outcome"}),

		SettlementTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_settlement_timeouts_total",
			Help: "Settlements that could not acquire their auction in time",
		}),

		SchedulerPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "bidledger_scheduler_pending",
			Help: "Deadlines tracked by the scheduler",
		}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_publish_errors_total",
			Help: "NATS publish failures",
		}),

		WebsocketConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "bidledger_websocket_connections",
			Help: "Open live feed connections",
		}),

		SubscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_subscriber_drops_total",
			Help: "Live feed messages dropped for slow subscribers",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_idempotency_duplicates_total",
			Help: "Duplicate requests caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "bidledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidledger_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistDuplicateWins: f.NewCounter(prometheus.CounterOpts{
			Name: "bidledger_persist_duplicate_results_total",
			Help: "Auction results rejected by the one-result-per-auction constraint",
		}),

		ArchiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_archive_uploads_total",
			Help: "Settled ledger uploads by result",
		}, []string{"result"}),

		CommandsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_commands_processed_total",
			Help: "NATS commands by kind and outcome",
		}, []string{"kind", "outcome"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidledger_api_requests_total",
			Help: "API requests by method and code",
		}, []string{"method", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bidledger_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),
	}
}

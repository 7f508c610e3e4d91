// Package metrics defines the Prometheus instruments of the candle service
// and the HTTP server exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dexohlc"

// Metrics holds every Prometheus instrument of the service.
type Metrics struct {
	// Ingestion
	LogsReceived        prometheus.Counter
	DuplicateLogs       prometheus.Counter
	RemovedLogs         prometheus.Counter
	DecodeErrors        *prometheus.CounterVec // labels: kind=decode|metadata
	Reconnects          prometheus.Counter
	SourceState         prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=reconnecting
	ActiveSubscriptions prometheus.Gauge
	DedupOccupancy      prometheus.Gauge

	// Decoding
	SwapsDecoded       prometheus.Counter
	PricePoints        *prometheus.CounterVec // labels: source=onchain|fallback
	TimestampFallbacks prometheus.Counter
	MetadataCacheSize  *prometheus.GaugeVec // labels: cache=pairs|tokens|blocks
	IngestLatency      prometheus.Histogram

	// Aggregation
	BarsCompleted *prometheus.CounterVec // labels: interval
	LatePoints    prometheus.Counter
	LiveBars      prometheus.Gauge
	FlushDuration prometheus.Histogram
	FlushErrors   prometheus.Counter

	// Downstream queue
	QueueDepth       prometheus.Gauge
	QueueDropped     *prometheus.CounterVec // labels: type
	QueueProcessed   prometheus.Counter
	SinkDuration     *prometheus.HistogramVec // labels: sink
	SinkErrors       *prometheus.CounterVec   // labels: sink
	FanoutDropsTotal *prometheus.CounterVec   // labels: subscriber

	// Redis publisher
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedBars        prometheus.Counter

	// Dependencies
	DependencyUp      *prometheus.GaugeVec // labels: dependency
	DependencyLatency *prometheus.GaugeVec // labels: dependency

	// API
	WSClients prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LogsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "logs_received_total",
			Help: "Swap log notifications received from the node",
		}),
		DuplicateLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_logs_total",
			Help: "Logs dropped by the dedup window",
		}),
		RemovedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "removed_logs_total",
			Help: "Logs dropped because the node flagged them as removed by a re-org",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Logs that could not be decoded",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		SourceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_state",
			Help: "Event source state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_subscriptions",
			Help: "Acknowledged log subscriptions on the current connection",
		}),
		DedupOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dedup_occupancy",
			Help: "Entries held by the dedup window",
		}),

		SwapsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "swaps_decoded_total",
			Help: "Swap events decoded",
		}),
		PricePoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "price_points_total",
			Help: "Price points derived from swaps",
		}, []string{"source"}),
		TimestampFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "timestamp_fallbacks_total",
			Help: "Swaps stamped with receive time because the block header lookup failed",
		}),
		MetadataCacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "metadata_cache_entries",
			Help: "Entries in the decoder metadata caches",
		}, []string{"cache"}),
		IngestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_latency_seconds",
			Help:    "Delay between block timestamp and price handling",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 30, 60},
		}),

		BarsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bars_completed_total",
			Help: "Closed bars persisted",
		}, []string{"interval"}),
		LatePoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_points_total",
			Help: "Price points dropped because their bucket was already flushed",
		}),
		LiveBars: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_bars",
			Help: "Bars held in memory by the aggregator",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds",
			Help:    "Aggregator flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_errors_total",
			Help: "Aggregator flushes that failed to persist",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Events waiting in the downstream queue",
		}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_dropped_total",
			Help: "Events dropped because the queue was full",
		}, []string{"type"}),
		QueueProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_processed_total",
			Help: "Events delivered to every sink",
		}),
		SinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sink_deliver_duration_seconds",
			Help:    "Sink delivery latency per batch attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_errors_total",
			Help: "Failed sink delivery attempts",
		}, []string{"sink"}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_drops_total",
			Help: "Price points dropped per live subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_buffered_bars_total",
			Help: "Bars buffered locally while the Redis breaker was open",
		}),

		DependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dependency_up",
			Help: "Result of the last liveness probe (1=up)",
		}, []string{"dependency"}),
		DependencyLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dependency_latency_seconds",
			Help: "Latency of the last liveness probe",
		}, []string{"dependency"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_clients",
			Help: "Connected live-stream clients",
		}),
	}

	reg.MustRegister(
		m.LogsReceived,
		m.DuplicateLogs,
		m.RemovedLogs,
		m.DecodeErrors,
		m.Reconnects,
		m.SourceState,
		m.ActiveSubscriptions,
		m.DedupOccupancy,
		m.SwapsDecoded,
		m.PricePoints,
		m.TimestampFallbacks,
		m.MetadataCacheSize,
		m.IngestLatency,
		m.BarsCompleted,
		m.LatePoints,
		m.LiveBars,
		m.FlushDuration,
		m.FlushErrors,
		m.QueueDepth,
		m.QueueDropped,
		m.QueueProcessed,
		m.SinkDuration,
		m.SinkErrors,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedBars,
		m.DependencyUp,
		m.DependencyLatency,
		m.WSClients,
	)
	return m
}

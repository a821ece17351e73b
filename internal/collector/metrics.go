// internal/collector/metrics.go
package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var collectorMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	FeedsParsed     *prometheus.CounterVec
	ParseErrors     *prometheus.CounterVec
	BatchesFlushed  prometheus.Counter
	FlushErrors     prometheus.Counter
	FeedsForwarded  prometheus.Counter
	FeedsDropped    prometheus.Counter
	FeedsEvicted    prometheus.Counter
	FlushLatency    prometheus.Histogram
}{
	ConnectAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "collector", Name: "connect_attempts_total",
		Help: "WebSocket connect attempts",
	}, []string{"exchange"}),
	ConnectErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "collector", Name: "connect_errors_total",
		Help: "WebSocket connect failures",
	}, []string{"exchange"}),
	Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "collector", Name: "reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled",
	}, []string{"exchange"}),
	FeedsParsed: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "collector", Name: "feeds_parsed_total",
		Help: "Price feeds parsed from exchange messages",
	}, []string{"exchange"}),
	ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "collector", Name: "parse_errors_total",
		Help: "Price-shaped messages that failed to parse",
	}, []string{"exchange"}),
	BatchesFlushed: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "batches_flushed_total",
		Help: "Batches delivered to the ingestion boundary",
	}),
	FlushErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "flush_errors_total",
		Help: "Batch delivery failures (transport level)",
	}),
	FeedsForwarded: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "feeds_forwarded_total",
		Help: "Feeds delivered to the ingestion boundary",
	}),
	FeedsDropped: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "feeds_dropped_total",
		Help: "Feeds dropped after exhausting delivery retries",
	}),
	FeedsEvicted: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "feeds_evicted_total",
		Help: "Feeds evicted from a full buffer",
	}),
	FlushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pricemesh", Subsystem: "forwarder", Name: "flush_latency_seconds",
		Help:    "Batch delivery latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}),
}

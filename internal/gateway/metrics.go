// internal/gateway/metrics.go
package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gatewayMetrics = struct {
	BatchesIngested *prometheus.CounterVec
	FeedsIngested   prometheus.Counter
	FeedsRejected   *prometheus.CounterVec
	IngestLatency   prometheus.Histogram
}{
	BatchesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "gateway", Name: "batches_ingested_total",
		Help: "Ingested batches by outcome",
	}, []string{"status"}),
	FeedsIngested: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "gateway", Name: "feeds_ingested_total",
		Help: "Feeds accepted into storage",
	}),
	FeedsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "gateway", Name: "feeds_rejected_total",
		Help: "Feeds rejected during ingestion",
	}, []string{"reason"}),
	IngestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pricemesh", Subsystem: "gateway", Name: "ingest_latency_seconds",
		Help:    "Batch ingestion latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}),
}

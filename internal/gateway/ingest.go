// internal/gateway/ingest.go

// Package gateway accepts feed batches from collectors, validates them
// item by item, and persists what survives. A bad feed never sinks its
// batch; a bad batch shape never reaches storage.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/storage"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

var tracer = otel.Tracer("gateway/ingest")

// FeedObserver is notified of every feed that made it into storage.
// Implemented by the price cache to keep per-source reads warm.
type FeedObserver interface {
	ObserveFeeds(feeds []domain.PriceFeed)
}

// Ingestor is the ingestion boundary.
type Ingestor struct {
	store    storage.FeedStore
	observer FeedObserver // optional
	log      *logger.Logger
}

// NewIngestor builds the ingestor. observer may be nil.
func NewIngestor(store storage.FeedStore, observer FeedObserver, log *logger.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("ingest: feed store is required")
	}
	return &Ingestor{store: store, observer: observer, log: log.Named("ingest")}, nil
}

// Ingest processes one batch and returns per-item accounting. The
// returned error is non-nil only for batch-level rejections (bad shape);
// per-feed failures are reported inside the result, and
// Ingested+Failed always equals len(batch.Feeds).
func (g *Ingestor) Ingest(ctx context.Context, batch domain.IngestBatch) (*domain.IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("worker_id", batch.WorkerID),
			attribute.Int("feeds", len(batch.Feeds)),
		))
	defer span.End()

	start := time.Now()

	if err := batch.ValidateShape(); err != nil {
		span.RecordError(err)
		gatewayMetrics.BatchesIngested.WithLabelValues(string(domain.IngestError)).Inc()
		return nil, err
	}

	valid := make([]domain.PriceFeed, 0, len(batch.Feeds))
	var feedErrors []domain.FeedError
	for i, feed := range batch.Feeds {
		if feed.WorkerID == "" {
			feed.WorkerID = batch.WorkerID
		}
		if err := feed.Validate(); err != nil {
			feedErrors = append(feedErrors, domain.FeedError{
				Index:  i,
				Symbol: feed.Symbol,
				Reason: err.Error(),
			})
			gatewayMetrics.FeedsRejected.WithLabelValues("validation").Inc()
			continue
		}
		valid = append(valid, feed)
	}

	var message string
	if len(valid) > 0 {
		if err := g.store.UpsertFeeds(ctx, valid); err != nil {
			// Storage took none of them; every valid feed counts failed.
			span.RecordError(err)
			g.log.WithContext(ctx).Error("feed upsert failed",
				zap.Int("feeds", len(valid)), zap.Error(err))
			gatewayMetrics.FeedsRejected.WithLabelValues("storage").Add(float64(len(valid)))
			for _, feed := range valid {
				feedErrors = append(feedErrors, domain.FeedError{
					Symbol: feed.Symbol,
					Reason: "storage unavailable",
				})
			}
			message = err.Error()
			valid = nil
		}
	}

	if len(valid) > 0 && g.observer != nil {
		g.observer.ObserveFeeds(valid)
	}

	result := &domain.IngestResult{
		Ingested:  len(valid),
		Failed:    len(batch.Feeds) - len(valid),
		LatencyMS: time.Since(start).Milliseconds(),
		Message:   message,
		Errors:    feedErrors,
	}
	switch {
	case result.Failed == 0:
		result.Status = domain.IngestSuccess
	case result.Ingested == 0:
		result.Status = domain.IngestError
	default:
		result.Status = domain.IngestPartial
	}

	gatewayMetrics.BatchesIngested.WithLabelValues(string(result.Status)).Inc()
	gatewayMetrics.FeedsIngested.Add(float64(result.Ingested))
	gatewayMetrics.IngestLatency.Observe(time.Since(start).Seconds())

	if result.Status != domain.IngestSuccess {
		g.log.WithContext(ctx).Warn("batch not fully ingested",
			zap.String("status", string(result.Status)),
			zap.Int("ingested", result.Ingested),
			zap.Int("failed", result.Failed),
			zap.String("worker_id", batch.WorkerID))
	}
	return result, nil
}

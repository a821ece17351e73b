// internal/collector/forwarder.go
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

// Publisher delivers a batch to the ingestion boundary and returns the
// gateway's accounting. Implemented by the HTTP ingest client.
type Publisher interface {
	Publish(ctx context.Context, batch domain.IngestBatch) (*domain.IngestResult, error)
}

// ForwarderConfig configures batching and delivery.
type ForwarderConfig struct {
	// BatchSize triggers an immediate flush when the buffer reaches it.
	// Capped at the ingestion boundary's batch limit.
	BatchSize int `mapstructure:"batch_size"`

	// FlushInterval flushes whatever is buffered on a timer, so a slow
	// feed still reaches the gateway.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// MaxBuffered is the hard buffer ceiling. When delivery is down and
	// the buffer is full, the oldest feed is evicted to admit the new one.
	MaxBuffered int `mapstructure:"max_buffered"`

	// WorkerID identifies this collector instance in every batch.
	// Generated when empty.
	WorkerID string `mapstructure:"worker_id"`

	// Retry bounds delivery attempts per batch. A batch that is still
	// failing after the budget is dropped and logged, never blocked on.
	Retry backoff.Policy `mapstructure:"retry"`
}

func (c *ForwarderConfig) applyDefaults() {
	if c.BatchSize <= 0 || c.BatchSize > domain.MaxBatchFeeds {
		c.BatchSize = domain.MaxBatchFeeds
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = 10_000
	}
	if c.WorkerID == "" {
		c.WorkerID = "collector-" + uuid.NewString()[:8]
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
}

// Forwarder accumulates feeds from all connection managers and ships
// them in batches. The buffer is trimmed only after the gateway has
// acknowledged the batch, or after the retry budget for it is spent.
type Forwarder struct {
	cfg ForwarderConfig
	pub Publisher
	log *logger.Logger

	mu       sync.Mutex
	buf      []domain.PriceFeed
	inflight int // leading feeds currently being delivered

	flushCh chan struct{}
}

// NewForwarder builds a forwarder over the given publisher.
func NewForwarder(cfg ForwarderConfig, pub Publisher, log *logger.Logger) (*Forwarder, error) {
	cfg.applyDefaults()
	if pub == nil {
		return nil, fmt.Errorf("forwarder: publisher is required")
	}
	return &Forwarder{
		cfg:     cfg,
		pub:     pub,
		log:     log.Named("forwarder"),
		flushCh: make(chan struct{}, 1),
	}, nil
}

// WorkerID returns the identity stamped on outgoing batches.
func (f *Forwarder) WorkerID() string { return f.cfg.WorkerID }

// Append buffers one feed. Reaching the batch size nudges the run loop;
// a full buffer evicts the oldest feed that is not in flight.
func (f *Forwarder) Append(feed domain.PriceFeed) {
	if feed.WorkerID == "" {
		feed.WorkerID = f.cfg.WorkerID
	}

	f.mu.Lock()
	if len(f.buf) >= f.cfg.MaxBuffered {
		if f.inflight < len(f.buf) {
			evicted := f.buf[f.inflight]
			f.buf = append(f.buf[:f.inflight], f.buf[f.inflight+1:]...)
			collectorMetrics.FeedsEvicted.Inc()
			f.log.Warn("buffer full, evicting oldest feed",
				zap.String("symbol", evicted.Symbol),
				zap.String("source", evicted.Source))
		} else {
			// Everything buffered is in flight; the new feed loses.
			f.mu.Unlock()
			collectorMetrics.FeedsEvicted.Inc()
			f.log.Warn("buffer full of in-flight feeds, dropping incoming feed",
				zap.String("symbol", feed.Symbol))
			return
		}
	}
	f.buf = append(f.buf, feed)
	ready := len(f.buf)-f.inflight >= f.cfg.BatchSize
	f.mu.Unlock()

	if ready {
		select {
		case f.flushCh <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered feeds (in-flight included).
func (f *Forwarder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Run flushes on the interval and on batch-size nudges until ctx is
// done, then makes one final drain attempt.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), f.cfg.FlushInterval)
			for f.Len() > 0 {
				if !f.Flush(drainCtx) {
					break
				}
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			for f.Flush(ctx) && f.Len() >= f.cfg.BatchSize {
			}
		case <-f.flushCh:
			for f.Flush(ctx) && f.Len() >= f.cfg.BatchSize {
			}
		}
	}
}

// Flush delivers one batch synchronously. It reports whether a batch
// left the buffer, by acknowledgement or by drop.
func (f *Forwarder) Flush(ctx context.Context) bool {
	f.mu.Lock()
	if f.inflight > 0 || len(f.buf) == 0 {
		f.mu.Unlock()
		return false
	}
	n := len(f.buf)
	if n > f.cfg.BatchSize {
		n = f.cfg.BatchSize
	}
	f.inflight = n
	feeds := make([]domain.PriceFeed, n)
	copy(feeds, f.buf[:n])
	f.mu.Unlock()

	batch := domain.IngestBatch{
		WorkerID:  f.cfg.WorkerID,
		Timestamp: time.Now().UTC(),
		Feeds:     feeds,
	}

	err := f.deliver(ctx, batch)

	f.mu.Lock()
	f.buf = f.buf[f.inflight:]
	f.inflight = 0
	f.mu.Unlock()

	if err != nil {
		collectorMetrics.FeedsDropped.Add(float64(n))
		f.log.Error("dropping batch after exhausted retries",
			zap.Int("feeds", n),
			zap.Strings("symbols", distinctSymbols(feeds)),
			zap.Error(err))
		return true
	}

	collectorMetrics.BatchesFlushed.Inc()
	collectorMetrics.FeedsForwarded.Add(float64(n))
	return true
}

// deliver pushes one batch with bounded doubling retries.
func (f *Forwarder) deliver(ctx context.Context, batch domain.IngestBatch) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		res, err := f.pub.Publish(ctx, batch)
		if err == nil {
			collectorMetrics.FlushLatency.Observe(time.Since(start).Seconds())
			if res != nil && res.Status == domain.IngestPartial {
				f.log.Warn("batch partially ingested",
					zap.Int("ingested", res.Ingested),
					zap.Int("failed", res.Failed))
			}
			return nil
		}
		collectorMetrics.FlushErrors.Inc()
		lastErr = err

		if f.cfg.Retry.Exhausted(attempt + 1) {
			return lastErr
		}
		delay := f.cfg.Retry.Delay(attempt)
		f.log.Warn("batch delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func distinctSymbols(feeds []domain.PriceFeed) []string {
	seen := make(map[string]struct{}, len(feeds))
	for _, f := range feeds {
		seen[f.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

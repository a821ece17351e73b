// internal/domain/feed.go
package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Batch size limits enforced at the ingestion boundary.
const (
	MinBatchFeeds = 1
	MaxBatchFeeds = 100
)

// symbolRe matches the canonical "BASE/QUOTE" form, e.g. "BTC/USD".
var symbolRe = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)

// ValidSymbol reports whether s is a canonical "BASE/QUOTE" symbol.
func ValidSymbol(s string) bool { return symbolRe.MatchString(s) }

// PriceFeed is one exchange's price observation for one symbol at one
// instant. Prices and volumes are exact decimals: they marshal to JSON as
// quoted strings and must never pass through binary floats.
type PriceFeed struct {
	Symbol    string            `json:"symbol"`
	Price     decimal.Decimal   `json:"price"`
	Volume    *decimal.Decimal  `json:"volume,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the per-feed invariants: canonical symbol, strictly
// positive price, non-negative volume when present, a real timestamp and
// a source id.
func (f *PriceFeed) Validate() error {
	if !ValidSymbol(f.Symbol) {
		return fmt.Errorf("feed: invalid symbol %q", f.Symbol)
	}
	if !f.Price.IsPositive() {
		return fmt.Errorf("feed %s: price must be > 0, got %s", f.Symbol, f.Price)
	}
	if f.Volume != nil && f.Volume.IsNegative() {
		return fmt.Errorf("feed %s: volume must be >= 0, got %s", f.Symbol, f.Volume)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("feed %s: timestamp is required", f.Symbol)
	}
	if f.Source == "" {
		return fmt.Errorf("feed %s: source is required", f.Symbol)
	}
	return nil
}

// Key identifies a feed for idempotent ingestion: re-ingesting the same
// (symbol, source, timestamp) overwrites rather than duplicates.
func (f *PriceFeed) Key() FeedKey {
	return FeedKey{Symbol: f.Symbol, Source: f.Source, Timestamp: f.Timestamp.UnixNano()}
}

// FeedKey is the idempotency key of a PriceFeed.
type FeedKey struct {
	Symbol    string
	Source    string
	Timestamp int64 // UnixNano
}

// IngestBatch is a bounded group of feeds forwarded together.
type IngestBatch struct {
	WorkerID  string      `json:"worker_id"`
	Timestamp time.Time   `json:"timestamp"`
	Feeds     []PriceFeed `json:"feeds"`
}

// ValidateShape checks batch-level invariants only. A shape violation
// rejects the whole batch; it is a caller error, not a partial-ingest
// condition.
func (b *IngestBatch) ValidateShape() error {
	if b.WorkerID == "" {
		return fmt.Errorf("batch: worker_id is required")
	}
	if n := len(b.Feeds); n < MinBatchFeeds || n > MaxBatchFeeds {
		return fmt.Errorf("batch: feed count %d out of range [%d,%d]", n, MinBatchFeeds, MaxBatchFeeds)
	}
	return nil
}

// IngestStatus classifies the outcome of one batch ingestion.
type IngestStatus string

const (
	IngestSuccess IngestStatus = "success"
	IngestPartial IngestStatus = "partial"
	IngestError   IngestStatus = "error"
)

// FeedError records one rejected feed inside a batch.
type FeedError struct {
	Index  int    `json:"index"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// IngestResult is the per-batch accounting returned to the caller.
// Invariant: Ingested + Failed == len(batch.Feeds) for any batch that
// passed shape validation.
type IngestResult struct {
	Status    IngestStatus `json:"status"`
	Ingested  int          `json:"ingested"`
	Failed    int          `json:"failed"`
	LatencyMS int64        `json:"latency_ms"`
	Message   string       `json:"message,omitempty"`
	Errors    []FeedError  `json:"errors,omitempty"`
}

// ConsensusRecord is the fused, published price for a symbol. Price equals
// Median: the median is robust to a single manipulated or erroneous source,
// which is the central fault-tolerance property of the aggregation.
// StdDev is nil when fewer than two sources contributed.
type ConsensusRecord struct {
	Symbol     string           `json:"symbol"`
	Price      decimal.Decimal  `json:"price"`
	Median     decimal.Decimal  `json:"median"`
	Mean       decimal.Decimal  `json:"mean"`
	StdDev     *decimal.Decimal `json:"std_dev,omitempty"`
	NumSources int              `json:"num_sources"`
	Timestamp  time.Time        `json:"timestamp"`
	Sources    []string         `json:"sources"`
}

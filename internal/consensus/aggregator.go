// internal/consensus/aggregator.go

// Package consensus fuses per-source prices into one published price per
// symbol on a fixed cadence. The published price is the median across
// sources: one manipulated or broken feed cannot move it.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/storage"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

var tracer = otel.Tracer("consensus/aggregator")

var consensusMetrics = struct {
	Ticks           prometheus.Counter
	Records         prometheus.Counter
	SkippedSymbols  *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	ComputeDuration prometheus.Histogram
}{
	Ticks: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "consensus", Name: "ticks_total",
		Help: "Aggregation rounds executed",
	}),
	Records: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "consensus", Name: "records_published_total",
		Help: "Consensus records published",
	}),
	SkippedSymbols: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "consensus", Name: "symbols_skipped_total",
		Help: "Symbols skipped during a round",
	}, []string{"reason"}),
	SinkErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "consensus", Name: "sink_errors_total",
		Help: "Failures delivering a record to a sink",
	}, []string{"sink"}),
	ComputeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pricemesh", Subsystem: "consensus", Name: "round_duration_seconds",
		Help:    "Duration of one aggregation round",
		Buckets: prometheus.DefBuckets,
	}),
}

// Config tunes the aggregation cadence and source window.
type Config struct {
	// Interval is the fixed cadence between rounds.
	Interval time.Duration `mapstructure:"interval"`

	// Window bounds how old a source's last value may be and still
	// contribute.
	Window time.Duration `mapstructure:"window"`

	// MinSources gates publication: fewer contributing sources than this
	// and the symbol is skipped for the round.
	MinSources int `mapstructure:"min_sources"`
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.MinSources <= 0 {
		c.MinSources = 1
	}
}

// Sink receives every published consensus record.
type Sink interface {
	PublishConsensus(ctx context.Context, rec domain.ConsensusRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec domain.ConsensusRecord) error

func (f SinkFunc) PublishConsensus(ctx context.Context, rec domain.ConsensusRecord) error {
	return f(ctx, rec)
}

type namedSink struct {
	name string
	sink Sink
}

// Aggregator runs the consensus rounds: read the freshest value per
// source, fuse, persist, fan out.
type Aggregator struct {
	cfg   Config
	feeds storage.FeedStore
	store storage.ConsensusStore
	sinks []namedSink
	log   *logger.Logger
	now   func() time.Time
}

// New builds the aggregator. The consensus store is written first; the
// sinks (cache, stream hub, Kafka) receive the record afterwards.
func New(cfg Config, feeds storage.FeedStore, store storage.ConsensusStore, log *logger.Logger) (*Aggregator, error) {
	cfg.applyDefaults()
	if feeds == nil || store == nil {
		return nil, fmt.Errorf("consensus: feed and consensus stores are required")
	}
	return &Aggregator{
		cfg:   cfg,
		feeds: feeds,
		store: store,
		log:   log.Named("consensus"),
		now:   time.Now,
	}, nil
}

// AddSink registers a named delivery target for published records.
func (a *Aggregator) AddSink(name string, sink Sink) {
	a.sinks = append(a.sinks, namedSink{name: name, sink: sink})
}

// Run executes rounds on the fixed cadence until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.log.Info("aggregator started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Duration("window", a.cfg.Window),
		zap.Int("min_sources", a.cfg.MinSources))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runRound(ctx)
		}
	}
}

// runRound fuses every active symbol once.
func (a *Aggregator) runRound(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Round")
	defer span.End()

	start := a.now()
	consensusMetrics.Ticks.Inc()

	cutoff := start.Add(-a.cfg.Window)
	symbols, err := a.feeds.ActiveSymbols(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		a.log.WithContext(ctx).Error("active symbols query failed", zap.Error(err))
		return
	}

	for _, symbol := range symbols {
		a.fuseSymbol(ctx, symbol, cutoff, start)
	}
	consensusMetrics.ComputeDuration.Observe(time.Since(start).Seconds())
}

func (a *Aggregator) fuseSymbol(ctx context.Context, symbol string, cutoff, ts time.Time) {
	ctx, span := tracer.Start(ctx, "FuseSymbol",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	feeds, err := a.feeds.LatestPerSource(ctx, symbol, cutoff)
	if err != nil {
		span.RecordError(err)
		consensusMetrics.SkippedSymbols.WithLabelValues("read_error").Inc()
		a.log.WithContext(ctx).Error("per-source read failed",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if len(feeds) < a.cfg.MinSources {
		consensusMetrics.SkippedSymbols.WithLabelValues("min_sources").Inc()
		return
	}

	rec := Compute(symbol, feeds, ts)

	if err := a.store.InsertConsensus(ctx, rec); err != nil {
		span.RecordError(err)
		consensusMetrics.SinkErrors.WithLabelValues("store").Inc()
		a.log.WithContext(ctx).Error("consensus persist failed",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}
	consensusMetrics.Records.Inc()

	for _, s := range a.sinks {
		if err := s.sink.PublishConsensus(ctx, rec); err != nil {
			consensusMetrics.SinkErrors.WithLabelValues(s.name).Inc()
			a.log.WithContext(ctx).Warn("consensus sink failed",
				zap.String("sink", s.name),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
}

// Compute fuses one symbol's per-source feeds into a consensus record.
// Median and mean stay in exact decimal arithmetic; the published price
// is the median. StdDev is the population standard deviation and is nil
// below two sources.
func Compute(symbol string, feeds []domain.PriceFeed, ts time.Time) domain.ConsensusRecord {
	prices := make([]decimal.Decimal, len(feeds))
	sources := make([]string, len(feeds))
	for i, f := range feeds {
		prices[i] = f.Price
		sources[i] = f.Source
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	sort.Strings(sources)

	median := medianOf(prices)

	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	n := decimal.NewFromInt(int64(len(prices)))
	mean := sum.Div(n)

	rec := domain.ConsensusRecord{
		Symbol:     symbol,
		Price:      median,
		Median:     median,
		Mean:       mean,
		NumSources: len(feeds),
		Timestamp:  ts.UTC(),
		Sources:    sources,
	}

	if len(prices) >= 2 {
		variance := decimal.Zero
		for _, p := range prices {
			d := p.Sub(mean)
			variance = variance.Add(d.Mul(d))
		}
		variance = variance.Div(n)
		// decimal has no square root; the dispersion diagnostic tolerates
		// the float round-trip, the published price never does.
		sd := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
		rec.StdDev = &sd
	}
	return rec
}

// medianOf expects sorted input.
func medianOf(prices []decimal.Decimal) decimal.Decimal {
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
}

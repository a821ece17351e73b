// internal/storage/timescale/timescale.go
package timescale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/storage"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

var tracer = otel.Tracer("storage/timescaledb")

// pgIntervals maps candle intervals onto time_bucket arguments.
var pgIntervals = map[domain.CandleInterval]string{
	domain.Interval1m:  "1 minute",
	domain.Interval5m:  "5 minutes",
	domain.Interval15m: "15 minutes",
	domain.Interval1h:  "1 hour",
	domain.Interval4h:  "4 hours",
	domain.Interval1d:  "1 day",
}

// Store implements storage.FeedStore and storage.ConsensusStore over a
// TimescaleDB hypertable pair (price_feeds, consensus_prices).
type Store struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// New connects, pings, and returns the store.
func New(cfg Config, log *logger.Logger) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("timescaledb: parse dsn: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("timescaledb: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("timescaledb: ping failed: %w", err)
	}

	log.Info("timescaledb connected")
	return &Store{db: db, log: log.Named("timescaledb")}, nil
}

// UpsertFeeds writes a batch in one round-trip. The (symbol, source, time)
// key makes re-ingestion overwrite instead of duplicate.
func (s *Store) UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) error {
	if len(feeds) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "UpsertFeeds",
		trace.WithAttributes(attribute.Int("feeds", len(feeds))))
	defer span.End()

	const query = `INSERT INTO price_feeds (
		time, symbol, source, price, volume, worker_id, metadata
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, source, time) DO UPDATE SET
		price     = EXCLUDED.price,
		volume    = EXCLUDED.volume,
		worker_id = EXCLUDED.worker_id,
		metadata  = EXCLUDED.metadata`

	batch := &pgx.Batch{}
	for _, f := range feeds {
		var volume *string
		if f.Volume != nil {
			v := f.Volume.String()
			volume = &v
		}
		batch.Queue(query,
			f.Timestamp.UTC(),
			f.Symbol,
			f.Source,
			f.Price.String(),
			volume,
			f.WorkerID,
			f.Metadata,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for range feeds {
		if _, err := results.Exec(); err != nil {
			span.RecordError(err)
			s.log.WithContext(ctx).Error("feed upsert failed", zap.Error(err))
			return fmt.Errorf("timescaledb: upsert feeds: %w", err)
		}
	}
	return nil
}

// LatestPerSource returns the newest feed per source for one symbol.
func (s *Store) LatestPerSource(ctx context.Context, symbol string, cutoff time.Time) ([]domain.PriceFeed, error) {
	ctx, span := tracer.Start(ctx, "LatestPerSource",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	const query = `
		SELECT DISTINCT ON (source)
			time, symbol, source, price::text, volume::text, worker_id
		FROM price_feeds
		WHERE symbol = $1 AND time >= $2
		ORDER BY source, time DESC`

	rows, err := s.db.Query(ctx, query, symbol, cutoff.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("timescaledb: latest per source: %w", err)
	}
	defer rows.Close()

	var feeds []domain.PriceFeed
	for rows.Next() {
		var (
			f        domain.PriceFeed
			price    string
			volume   *string
			workerID *string
		)
		if err := rows.Scan(&f.Timestamp, &f.Symbol, &f.Source, &price, &volume, &workerID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("timescaledb: scan feed: %w", err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("timescaledb: price %q: %w", price, err)
		}
		if volume != nil {
			v, err := decimal.NewFromString(*volume)
			if err != nil {
				return nil, fmt.Errorf("timescaledb: volume %q: %w", *volume, err)
			}
			f.Volume = &v
		}
		if workerID != nil {
			f.WorkerID = *workerID
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// ActiveSymbols lists symbols seen at or after the cutoff.
func (s *Store) ActiveSymbols(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ActiveSymbols")
	defer span.End()

	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT symbol FROM price_feeds WHERE time >= $1`, cutoff.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("timescaledb: active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("timescaledb: scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// OHLCV aggregates raw feeds into candles with time_bucket.
func (s *Store) OHLCV(ctx context.Context, symbol string, interval domain.CandleInterval, from, to time.Time, limit int) ([]domain.Candle, error) {
	ctx, span := tracer.Start(ctx, "OHLCV",
		trace.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("interval", string(interval)),
		))
	defer span.End()

	bucket, ok := pgIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("timescaledb: unknown interval %q", interval)
	}
	if limit <= 0 {
		limit = 500
	}

	const query = `
		SELECT
			time_bucket($1::interval, time) AS bucket,
			first(price, time)::text,
			max(price)::text,
			min(price)::text,
			last(price, time)::text,
			coalesce(sum(volume), 0)::text,
			count(*)
		FROM price_feeds
		WHERE symbol = $2 AND time >= $3 AND time < $4
		GROUP BY bucket
		ORDER BY bucket ASC
		LIMIT $5`

	rows, err := s.db.Query(ctx, query, bucket, symbol, from.UTC(), to.UTC(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("timescaledb: ohlcv query: %w", err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var (
			c                              domain.Candle
			open, high, low, close, volume string
		)
		if err := rows.Scan(&c.OpenTime, &open, &high, &low, &close, &volume, &c.Trades); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("timescaledb: scan candle: %w", err)
		}
		c.Symbol = symbol
		c.Interval = interval
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("timescaledb: open %q: %w", open, err)
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("timescaledb: high %q: %w", high, err)
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("timescaledb: low %q: %w", low, err)
		}
		if c.Close, err = decimal.NewFromString(close); err != nil {
			return nil, fmt.Errorf("timescaledb: close %q: %w", close, err)
		}
		if c.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("timescaledb: volume %q: %w", volume, err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// InsertConsensus appends one consensus record.
func (s *Store) InsertConsensus(ctx context.Context, rec domain.ConsensusRecord) error {
	ctx, span := tracer.Start(ctx, "InsertConsensus",
		trace.WithAttributes(attribute.String("symbol", rec.Symbol)))
	defer span.End()

	const query = `INSERT INTO consensus_prices (
		time, symbol, price, median, mean, std_dev, num_sources, sources
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, time) DO NOTHING`

	var stdDev *string
	if rec.StdDev != nil {
		v := rec.StdDev.String()
		stdDev = &v
	}
	_, err := s.db.Exec(ctx, query,
		rec.Timestamp.UTC(),
		rec.Symbol,
		rec.Price.String(),
		rec.Median.String(),
		rec.Mean.String(),
		stdDev,
		rec.NumSources,
		rec.Sources,
	)
	if err != nil {
		span.RecordError(err)
		s.log.WithContext(ctx).Error("consensus insert failed",
			zap.String("symbol", rec.Symbol), zap.Error(err))
		return fmt.Errorf("timescaledb: insert consensus: %w", err)
	}
	return nil
}

// LatestConsensus returns the newest record for one symbol.
func (s *Store) LatestConsensus(ctx context.Context, symbol string) (*domain.ConsensusRecord, error) {
	ctx, span := tracer.Start(ctx, "LatestConsensus",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	const query = `
		SELECT time, symbol, price::text, median::text, mean::text,
		       std_dev::text, num_sources, sources
		FROM consensus_prices
		WHERE symbol = $1
		ORDER BY time DESC
		LIMIT 1`

	rec, err := scanConsensus(s.db.QueryRow(ctx, query, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// ConsensusHistory returns records within [from, to), newest first.
func (s *Store) ConsensusHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]domain.ConsensusRecord, error) {
	ctx, span := tracer.Start(ctx, "ConsensusHistory",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	if limit <= 0 {
		limit = 500
	}
	const query = `
		SELECT time, symbol, price::text, median::text, mean::text,
		       std_dev::text, num_sources, sources
		FROM consensus_prices
		WHERE symbol = $1 AND time >= $2 AND time < $3
		ORDER BY time DESC
		LIMIT $4`

	rows, err := s.db.Query(ctx, query, symbol, from.UTC(), to.UTC(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("timescaledb: consensus history: %w", err)
	}
	defer rows.Close()

	var records []domain.ConsensusRecord
	for rows.Next() {
		rec, err := scanConsensus(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanConsensus(row pgx.Row) (*domain.ConsensusRecord, error) {
	var (
		rec                 domain.ConsensusRecord
		price, median, mean string
		stdDev              *string
	)
	if err := row.Scan(&rec.Timestamp, &rec.Symbol, &price, &median, &mean,
		&stdDev, &rec.NumSources, &rec.Sources); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("timescaledb: scan consensus: %w", err)
	}

	var err error
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("timescaledb: price %q: %w", price, err)
	}
	if rec.Median, err = decimal.NewFromString(median); err != nil {
		return nil, fmt.Errorf("timescaledb: median %q: %w", median, err)
	}
	if rec.Mean, err = decimal.NewFromString(mean); err != nil {
		return nil, fmt.Errorf("timescaledb: mean %q: %w", mean, err)
	}
	if stdDev != nil {
		v, err := decimal.NewFromString(*stdDev)
		if err != nil {
			return nil, fmt.Errorf("timescaledb: std_dev %q: %w", *stdDev, err)
		}
		rec.StdDev = &v
	}
	return &rec, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

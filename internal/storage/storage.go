// internal/storage/storage.go

// Package storage defines the persistence boundaries of the gateway.
// TimescaleDB is the system of record for raw feeds and consensus
// history; Redis is a write-through cache for the latest consensus.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// FeedStore persists raw price feeds.
type FeedStore interface {
	// UpsertFeeds writes a batch of feeds. A feed with the same
	// (symbol, source, timestamp) as an existing row replaces it.
	UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) error

	// LatestPerSource returns, for one symbol, the newest feed from each
	// source observed at or after the cutoff.
	LatestPerSource(ctx context.Context, symbol string, cutoff time.Time) ([]domain.PriceFeed, error)

	// ActiveSymbols lists symbols with at least one feed at or after the
	// cutoff.
	ActiveSymbols(ctx context.Context, cutoff time.Time) ([]string, error)

	// OHLCV aggregates raw feeds into candles for the given window.
	OHLCV(ctx context.Context, symbol string, interval domain.CandleInterval, from, to time.Time, limit int) ([]domain.Candle, error)

	Ping(ctx context.Context) error
	Close()
}

// ConsensusStore persists consensus records.
type ConsensusStore interface {
	InsertConsensus(ctx context.Context, rec domain.ConsensusRecord) error

	// LatestConsensus returns the newest record for a symbol, or
	// ErrNotFound.
	LatestConsensus(ctx context.Context, symbol string) (*domain.ConsensusRecord, error)

	// ConsensusHistory returns records for a symbol within [from, to),
	// newest first.
	ConsensusHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]domain.ConsensusRecord, error)
}

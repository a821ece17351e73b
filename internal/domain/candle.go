// internal/domain/candle.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CandleInterval is a supported OHLCV bucket width.
type CandleInterval string

const (
	Interval1m  CandleInterval = "1m"
	Interval5m  CandleInterval = "5m"
	Interval15m CandleInterval = "15m"
	Interval1h  CandleInterval = "1h"
	Interval4h  CandleInterval = "4h"
	Interval1d  CandleInterval = "1d"
)

var intervalDurations = map[CandleInterval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the bucket width, or an error for an unknown interval.
func (i CandleInterval) Duration() (time.Duration, error) {
	if d, ok := intervalDurations[i]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown interval %q", string(i))
}

// Candle is an OHLCV bucket aggregated from raw feeds.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval CandleInterval  `json:"interval"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Trades   int64           `json:"trades"`
}

// internal/domain/feed_test.go
package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validFeed() PriceFeed {
	vol := decimal.NewFromInt(12)
	return PriceFeed{
		Symbol:    "BTC/USD",
		Price:     decimal.RequireFromString("64123.55"),
		Volume:    &vol,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:    "coinbase",
		WorkerID:  "worker-1",
	}
}

func TestPriceFeed_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*PriceFeed)
		wantErr bool
	}{
		{"valid", func(f *PriceFeed) {}, false},
		{"no volume is fine", func(f *PriceFeed) { f.Volume = nil }, false},
		{"bad symbol", func(f *PriceFeed) { f.Symbol = "BTCUSD" }, true},
		{"lowercase symbol", func(f *PriceFeed) { f.Symbol = "btc/usd" }, true},
		{"zero price", func(f *PriceFeed) { f.Price = decimal.Zero }, true},
		{"negative price", func(f *PriceFeed) { f.Price = decimal.NewFromInt(-1) }, true},
		{"negative volume", func(f *PriceFeed) { v := decimal.NewFromInt(-1); f.Volume = &v }, true},
		{"zero timestamp", func(f *PriceFeed) { f.Timestamp = time.Time{} }, true},
		{"empty source", func(f *PriceFeed) { f.Source = "" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validFeed()
			tc.mutate(&f)
			err := f.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPriceFeed_JSONPreservesDecimalString(t *testing.T) {
	f := validFeed()
	f.Price = decimal.RequireFromString("0.000000123456789")

	b, err := json.Marshal(&f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"price":"0.000000123456789"`) {
		t.Errorf("price not serialized as exact decimal string: %s", b)
	}

	var back PriceFeed
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Price.Equal(f.Price) {
		t.Errorf("price changed across JSON: %s != %s", back.Price, f.Price)
	}
}

func TestIngestBatch_ValidateShape(t *testing.T) {
	mk := func(n int) *IngestBatch {
		feeds := make([]PriceFeed, n)
		for i := range feeds {
			feeds[i] = validFeed()
		}
		return &IngestBatch{WorkerID: "w", Timestamp: time.Now(), Feeds: feeds}
	}

	if err := mk(1).ValidateShape(); err != nil {
		t.Errorf("1 feed should be valid: %v", err)
	}
	if err := mk(MaxBatchFeeds).ValidateShape(); err != nil {
		t.Errorf("exactly %d feeds should be valid: %v", MaxBatchFeeds, err)
	}
	if err := mk(0).ValidateShape(); err == nil {
		t.Error("empty batch should be rejected")
	}
	if err := mk(MaxBatchFeeds + 1).ValidateShape(); err == nil {
		t.Errorf("%d feeds should be rejected", MaxBatchFeeds+1)
	}

	b := mk(5)
	b.WorkerID = ""
	if err := b.ValidateShape(); err == nil {
		t.Error("missing worker_id should be rejected")
	}
}

func TestValidSymbol(t *testing.T) {
	for sym, want := range map[string]bool{
		"BTC/USD":   true,
		"ETH/USDT":  true,
		"XBT/EUR":   true,
		"BTCUSD":    false,
		"btc/usd":   false,
		"/USD":      false,
		"BTC/":      false,
		"B/USD":     false,
		"BTC-USD":   false,
		"BTC/USD/X": false,
	} {
		if got := ValidSymbol(sym); got != want {
			t.Errorf("ValidSymbol(%q) = %v, want %v", sym, got, want)
		}
	}
}

// internal/exchange/adapter_test.go
package exchange

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_KnownAndUnknown(t *testing.T) {
	cfg := Config{Symbols: []string{"BTC/USD"}}
	for _, name := range []string{"coinbase", "Binance", "KRAKEN"} {
		a, err := New(name, cfg)
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		if a.Name() != strings.ToLower(name) {
			t.Errorf("New(%q).Name() = %q", name, a.Name())
		}
	}
	if _, err := New("bitfinex", cfg); err == nil {
		t.Error("expected error for unknown exchange")
	}
}

func TestConfig_RejectsNonCanonicalSymbols(t *testing.T) {
	for _, symbols := range [][]string{nil, {}, {"BTCUSD"}, {"BTC/USD", "eth/usd"}} {
		if _, err := NewCoinbase(Config{Symbols: symbols}); err == nil {
			t.Errorf("symbols %v: expected config error", symbols)
		}
	}
}

func TestCoinbase_ParseTicker(t *testing.T) {
	a, err := NewCoinbase(Config{Symbols: []string{"BTC/USD", "ETH/USD"}})
	if err != nil {
		t.Fatal(err)
	}

	raw := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"64123.55","volume_24h":"1234.5","time":"2025-06-01T12:00:00Z"}`)
	feed, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if feed == nil {
		t.Fatal("expected a feed")
	}
	if feed.Symbol != "BTC/USD" {
		t.Errorf("symbol = %q", feed.Symbol)
	}
	if feed.Price.String() != "64123.55" {
		t.Errorf("price = %s", feed.Price)
	}
	if feed.Volume == nil || feed.Volume.String() != "1234.5" {
		t.Errorf("volume = %v", feed.Volume)
	}
	if feed.Source != "coinbase" {
		t.Errorf("source = %q", feed.Source)
	}
	if feed.Timestamp.Format("2006-01-02T15:04:05Z") != "2025-06-01T12:00:00Z" {
		t.Errorf("timestamp = %v", feed.Timestamp)
	}
}

func TestCoinbase_NonPriceMessages(t *testing.T) {
	a, _ := NewCoinbase(Config{Symbols: []string{"BTC/USD"}})
	for _, raw := range []string{
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"heartbeat","sequence":90}`,
		`{"type":"error","message":"rate limit"}`,
	} {
		feed, err := a.ParseMessage([]byte(raw))
		if err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
		}
		if feed != nil {
			t.Errorf("%s: expected no feed", raw)
		}
	}
}

func TestCoinbase_MalformedPriceShapedMessage(t *testing.T) {
	a, _ := NewCoinbase(Config{Symbols: []string{"BTC/USD"}})
	// Price-shaped (type=ticker) but with a garbage price: must error, not drop.
	if _, err := a.ParseMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"not-a-number"}`)); err == nil {
		t.Error("expected parse error for bad price")
	}
	// Ticker for an unconfigured product is also a reported failure.
	if _, err := a.ParseMessage([]byte(`{"type":"ticker","product_id":"XRP-USD","price":"1.0"}`)); err == nil {
		t.Error("expected error for unknown product")
	}
}

func TestBinance_SubscriptionAndNormalize(t *testing.T) {
	a, err := NewBinance(Config{Symbols: []string{"BTC/USD", "ETH/USDT"}})
	if err != nil {
		t.Fatal(err)
	}

	payload, err := a.BuildSubscription()
	if err != nil {
		t.Fatal(err)
	}
	var req struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     uint64   `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "SUBSCRIBE" {
		t.Errorf("method = %q", req.Method)
	}
	want := map[string]bool{"btcusdt@trade": true, "ethusdt@trade": true}
	for _, p := range req.Params {
		if !want[p] {
			t.Errorf("unexpected stream %q", p)
		}
	}
	if len(req.Params) != 2 {
		t.Errorf("params = %v", req.Params)
	}

	// USDT collapses onto the canonical USD quote.
	sym, err := a.NormalizeSymbol("BTCUSDT")
	if err != nil || sym != "BTC/USD" {
		t.Errorf("NormalizeSymbol(BTCUSDT) = %q, %v", sym, err)
	}
	if _, err := a.NormalizeSymbol("XRPUSDT"); err == nil {
		t.Error("expected error for unconfigured symbol")
	}
}

func TestBinance_ParseTrade(t *testing.T) {
	a, _ := NewBinance(Config{Symbols: []string{"BTC/USD"}})

	raw := []byte(`{"e":"trade","E":1717243200000,"s":"BTCUSDT","t":12345,"p":"64123.55","q":"0.25","T":1717243200123}`)
	feed, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if feed == nil {
		t.Fatal("expected a feed")
	}
	if feed.Symbol != "BTC/USD" || feed.Source != "binance" {
		t.Errorf("feed = %+v", feed)
	}
	if feed.Price.String() != "64123.55" {
		t.Errorf("price = %s", feed.Price)
	}
	if feed.Volume == nil || feed.Volume.String() != "0.25" {
		t.Errorf("volume = %v", feed.Volume)
	}
	if feed.Timestamp.UnixMilli() != 1717243200123 {
		t.Errorf("timestamp = %v", feed.Timestamp)
	}
	if feed.Metadata["trade_id"] != "12345" {
		t.Errorf("metadata = %v", feed.Metadata)
	}

	// Subscription ack: not a price update.
	if feed, err := a.ParseMessage([]byte(`{"result":null,"id":1}`)); err != nil || feed != nil {
		t.Errorf("ack: feed=%v err=%v", feed, err)
	}
	// Price-shaped but broken.
	if _, err := a.ParseMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"??","q":"1"}`)); err == nil {
		t.Error("expected parse error for bad price")
	}
}

func TestKraken_ParseTickerFrame(t *testing.T) {
	a, err := NewKraken(Config{Symbols: []string{"BTC/USD"}})
	if err != nil {
		t.Fatal(err)
	}

	// BTC maps to Kraken's XBT naming.
	sub, _ := a.BuildSubscription()
	if !strings.Contains(string(sub), `"XBT/USD"`) {
		t.Errorf("subscription does not use native pair: %s", sub)
	}

	raw := []byte(`[42,{"c":["64123.55","0.001"],"v":["120.5","340.7"]},"ticker","XBT/USD"]`)
	feed, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if feed == nil {
		t.Fatal("expected a feed")
	}
	if feed.Symbol != "BTC/USD" || feed.Source != "kraken" {
		t.Errorf("feed = %+v", feed)
	}
	if feed.Price.String() != "64123.55" {
		t.Errorf("price = %s", feed.Price)
	}
	if feed.Volume == nil || feed.Volume.String() != "340.7" {
		t.Errorf("volume = %v", feed.Volume)
	}
}

func TestKraken_NonPriceMessages(t *testing.T) {
	a, _ := NewKraken(Config{Symbols: []string{"BTC/USD"}})
	for _, raw := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`,
		`[7,{"b":[["1","1","1"]]},"book-10","XBT/USD"]`,
	} {
		feed, err := a.ParseMessage([]byte(raw))
		if err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
		}
		if feed != nil {
			t.Errorf("%s: expected no feed", raw)
		}
	}

	// Ticker frame with a broken price is a reported failure.
	if _, err := a.ParseMessage([]byte(`[42,{"c":["oops","0.1"]},"ticker","XBT/USD"]`)); err == nil {
		t.Error("expected parse error for bad price")
	}
}

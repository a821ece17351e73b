// internal/gateway/handler_test.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/pricecache"
	"github.com/pricemesh/pricemesh/internal/storage"
)

type memConsensusStore struct {
	mu      sync.Mutex
	records []domain.ConsensusRecord
}

func (m *memConsensusStore) InsertConsensus(_ context.Context, rec domain.ConsensusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memConsensusStore) LatestConsensus(_ context.Context, symbol string) (*domain.ConsensusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Symbol == symbol {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memConsensusStore) ConsensusHistory(_ context.Context, symbol string, from, to time.Time, limit int) ([]domain.ConsensusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConsensusRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.records[i]
		if rec.Symbol == symbol && !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func consensusAt(symbol, price string, ts time.Time) domain.ConsensusRecord {
	p := decimal.RequireFromString(price)
	return domain.ConsensusRecord{
		Symbol: symbol, Price: p, Median: p, Mean: p,
		NumSources: 2, Timestamp: ts, Sources: []string{"binance", "coinbase"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *pricecache.Cache, *memFeedStore, *memConsensusStore) {
	t.Helper()
	store := newMemFeedStore()
	consensus := &memConsensusStore{}
	cache := pricecache.New(pricecache.Config{Staleness: time.Minute})

	ingestor, err := NewIngestor(store, cache, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(ingestor, cache, store, consensus, nil, 30*time.Second, testLogger(t))

	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cache, store, consensus
}

func TestHandler_IngestEndpoint(t *testing.T) {
	srv, _, store, _ := newTestServer(t)

	body := `{
		"worker_id": "w-1",
		"timestamp": "2025-06-01T12:00:00Z",
		"feeds": [
			{"symbol":"BTC/USD","price":"64000.5","timestamp":"2025-06-01T12:00:00Z","source":"coinbase"},
			{"symbol":"BTC/USD","price":"0","timestamp":"2025-06-01T12:00:00Z","source":"binance"}
		]
	}`
	resp, err := http.Post(srv.URL+"/internal/ingest", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var result domain.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.IngestPartial || result.Ingested != 1 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	if store.len() != 1 {
		t.Errorf("stored feeds = %d", store.len())
	}
}

func TestHandler_IngestRejectsBadShape(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/internal/ingest", "application/json",
		strings.NewReader(`{"worker_id":"w-1","feeds":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_ConsensusFromCache(t *testing.T) {
	srv, cache, _, _ := newTestServer(t)

	cache.Publish(consensusAt("BTC/USD", "64000.5", time.Now().UTC()))

	resp, err := http.Get(srv.URL + "/api/v1/consensus?symbol=BTC/USD")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var rec struct {
		Price  string `json:"price"`
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	// Decimal prices cross the wire as strings.
	if rec.Price != "64000.5" || rec.Symbol != "BTC/USD" {
		t.Errorf("rec = %+v", rec)
	}
}

func TestHandler_ConsensusFallsBackToStore(t *testing.T) {
	srv, _, _, consensus := newTestServer(t)

	_ = consensus.InsertConsensus(context.Background(),
		consensusAt("ETH/USD", "3100.25", time.Now().UTC()))

	resp, err := http.Get(srv.URL + "/api/v1/consensus?symbol=ETH/USD")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandler_ConsensusUnknownSymbol(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/consensus?symbol=XRP/USD")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/v1/consensus?symbol=notasymbol")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestHandler_LatestPrices(t *testing.T) {
	srv, cache, _, _ := newTestServer(t)

	now := time.Now().UTC()
	cache.ObserveFeeds([]domain.PriceFeed{
		feedAt("BTC/USD", "coinbase", "64000.1", now),
		feedAt("BTC/USD", "binance", "64001.2", now),
	})

	resp, err := http.Get(srv.URL + "/api/v1/prices/latest?symbol=BTC/USD")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var payload struct {
		Symbol string             `json:"symbol"`
		Feeds  []domain.PriceFeed `json:"feeds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Feeds) != 2 {
		t.Errorf("feeds = %+v", payload.Feeds)
	}
}

func TestHandler_OHLCVValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/ohlcv?symbol=BTC/USD&interval=7m")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad interval: status = %d, want 400", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/v1/ohlcv?symbol=BTC/USD&interval=1m")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp2.StatusCode)
	}
}

func TestHandler_StreamDeliversPublishedRecords(t *testing.T) {
	srv, cache, _, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream?symbols=BTC/USD"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the handler a beat to register the subscription.
	time.Sleep(20 * time.Millisecond)
	cache.Publish(consensusAt("ETH/USD", "3100", time.Now().UTC())) // filtered out
	cache.Publish(consensusAt("BTC/USD", "64000.5", time.Now().UTC()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rec struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Symbol != "BTC/USD" || rec.Price != "64000.5" {
		t.Errorf("rec = %+v", rec)
	}
}

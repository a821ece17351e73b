// internal/collector/client_test.go
package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pricemesh/pricemesh/internal/domain"
)

func TestIngestClient_PublishDecodesAccounting(t *testing.T) {
	var gotBatch domain.IngestBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.IngestResult{
			Status:   domain.IngestPartial,
			Ingested: 1,
			Failed:   1,
		})
	}))
	defer srv.Close()

	c, err := NewIngestClient(IngestClientConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	batch := domain.IngestBatch{
		WorkerID:  "w-1",
		Timestamp: time.Now().UTC(),
		Feeds:     []domain.PriceFeed{makeFeed("BTC/USD", "coinbase"), makeFeed("ETH/USD", "kraken")},
	}
	res, err := c.Publish(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.IngestPartial || res.Ingested != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if gotBatch.WorkerID != "w-1" || len(gotBatch.Feeds) != 2 {
		t.Errorf("batch on the wire = %+v", gotBatch)
	}
}

func TestIngestClient_NonOKIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"batch exceeds limit"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewIngestClient(IngestClientConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Publish(context.Background(), domain.IngestBatch{WorkerID: "w-1"}); err == nil {
		t.Error("expected an error for a 400 response")
	}
}

func TestIngestClient_RequiresURL(t *testing.T) {
	if _, err := NewIngestClient(IngestClientConfig{}); err == nil {
		t.Error("expected config error")
	}
}

// internal/gateway/handler.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/pricecache"
	"github.com/pricemesh/pricemesh/internal/storage"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

// RemoteCache is the distributed consensus cache consulted between the
// in-process cache and the database. Lookups that match nothing return
// storage.ErrNotFound.
type RemoteCache interface {
	GetLatest(ctx context.Context, symbol string) (*domain.ConsensusRecord, error)
}

// Handler serves the gateway HTTP API.
type Handler struct {
	ingestor  *Ingestor
	cache     *pricecache.Cache
	feeds     storage.FeedStore
	consensus storage.ConsensusStore
	remote    RemoteCache
	window    time.Duration
	log       *logger.Logger
}

// NewHandler wires the API surface. remote may be nil.
func NewHandler(ingestor *Ingestor, cache *pricecache.Cache, feeds storage.FeedStore, consensus storage.ConsensusStore, remote RemoteCache, window time.Duration, log *logger.Logger) *Handler {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Handler{
		ingestor:  ingestor,
		cache:     cache,
		feeds:     feeds,
		consensus: consensus,
		remote:    remote,
		window:    window,
		log:       log.Named("http"),
	}
}

// Routes registers every endpoint on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/internal/ingest", h.handleIngest)
	mux.HandleFunc("/api/v1/prices/latest", h.handleLatestPrices)
	mux.HandleFunc("/api/v1/consensus", h.handleConsensus)
	mux.HandleFunc("/api/v1/consensus/history", h.handleConsensusHistory)
	mux.HandleFunc("/api/v1/ohlcv", h.handleOHLCV)
	mux.HandleFunc("/api/v1/symbols", h.handleSymbols)
	mux.HandleFunc("/api/v1/stream", h.handleStream)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleIngest accepts one feed batch from a collector.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var batch domain.IngestBatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), batch)
	if err != nil {
		// Shape violations reject the whole batch.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLatestPrices returns the freshest per-source feeds for a symbol.
func (h *Handler) handleLatestPrices(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !domain.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE")
		return
	}

	feeds := h.cache.LatestFeeds(symbol)
	if len(feeds) == 0 {
		// Cold cache after a restart; the database still knows.
		var err error
		feeds, err = h.feeds.LatestPerSource(r.Context(), symbol, time.Now().Add(-h.window))
		if err != nil {
			h.log.WithContext(r.Context()).Error("latest prices query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
	}
	if len(feeds) == 0 {
		writeError(w, http.StatusNotFound, "no fresh feeds for symbol")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "feeds": feeds})
}

// handleConsensus returns the latest consensus: memory, then Redis, then
// TimescaleDB.
func (h *Handler) handleConsensus(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !domain.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE")
		return
	}

	if rec, ok := h.cache.LatestConsensus(symbol); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if h.remote != nil {
		if rec, err := h.remote.GetLatest(r.Context(), symbol); err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			h.log.WithContext(r.Context()).Warn("remote cache lookup failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	rec, err := h.consensus.LatestConsensus(r.Context(), symbol)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no consensus for symbol")
		return
	}
	if err != nil {
		h.log.WithContext(r.Context()).Error("consensus query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleConsensusHistory returns records within a window, newest first.
func (h *Handler) handleConsensusHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !domain.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE")
		return
	}
	from, to, limit, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.consensus.ConsensusHistory(r.Context(), symbol, from, to, limit)
	if err != nil {
		h.log.WithContext(r.Context()).Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "records": records})
}

// handleOHLCV aggregates raw feeds into candles.
func (h *Handler) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !domain.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE")
		return
	}
	interval := domain.CandleInterval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = domain.Interval1m
	}
	if _, err := interval.Duration(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, limit, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := h.feeds.OHLCV(r.Context(), symbol, interval, from, to, limit)
	if err != nil {
		h.log.WithContext(r.Context()).Error("ohlcv query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"interval": interval,
		"candles":  candles,
	})
}

// handleSymbols lists symbols with fresh data.
func (h *Handler) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.cache.Symbols()
	if len(symbols) == 0 {
		var err error
		symbols, err = h.feeds.ActiveSymbols(r.Context(), time.Now().Add(-h.window))
		if err != nil {
			h.log.WithContext(r.Context()).Error("symbols query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

// parseWindow reads from/to/limit query params. Defaults: the last hour,
// 500 rows.
func parseWindow(r *http.Request) (from, to time.Time, limit int, err error) {
	q := r.URL.Query()
	to = time.Now().UTC()
	from = to.Add(-time.Hour)

	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, 0, errors.New("to: want RFC3339")
		}
		from = to.Add(-time.Hour)
	}
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, 0, errors.New("from: want RFC3339")
		}
	}
	if !from.Before(to) {
		return from, to, 0, errors.New("from must precede to")
	}

	limit = 500
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > 5000 {
			return from, to, 0, errors.New("limit: want 1..5000")
		}
	}
	return from, to, limit, nil
}

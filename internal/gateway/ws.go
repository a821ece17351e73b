// internal/gateway/ws.go
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 20 * time.Second
	streamPongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway sits behind its own CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to WebSocket and pushes consensus records as
// they are published. ?symbols=BTC/USD,ETH/USD filters; empty means all.
// A client that stops reading is disconnected, not waited for.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !domain.ValidSymbol(s) {
				writeError(w, http.StatusBadRequest, "symbol must be BASE/QUOTE: "+s)
				return
			}
			symbols = append(symbols, s)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	sub := h.cache.Hub().Subscribe(symbols)
	defer h.cache.Hub().Unsubscribe(sub)

	h.log.Debug("stream subscriber connected",
		zap.Strings("symbols", symbols),
		zap.String("remote", r.RemoteAddr))

	// Reader: consume control frames and detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case rec, ok := <-sub.C:
			if !ok {
				// Dropped by the hub for falling behind.
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}

// internal/exchange/coinbase.go
package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// Coinbase speaks the Coinbase Exchange WebSocket feed: ticker channel,
// product ids like "BTC-USD".
type Coinbase struct {
	symbols  []string          // canonical, as configured
	toNative map[string]string // "BTC/USD" -> "BTC-USD"
	fromWire map[string]string // "BTC-USD" -> "BTC/USD"
}

// NewCoinbase builds the Coinbase adapter for the configured symbols.
func NewCoinbase(cfg Config) (*Coinbase, error) {
	if err := cfg.validate("coinbase"); err != nil {
		return nil, err
	}
	a := &Coinbase{
		symbols:  cfg.Symbols,
		toNative: make(map[string]string, len(cfg.Symbols)),
		fromWire: make(map[string]string, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		native := strings.ReplaceAll(sym, "/", "-")
		a.toNative[sym] = native
		a.fromWire[native] = sym
	}
	return a, nil
}

func (a *Coinbase) Name() string { return "coinbase" }

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (a *Coinbase) BuildSubscription() ([]byte, error) {
	ids := make([]string, 0, len(a.symbols))
	for _, sym := range a.symbols {
		ids = append(ids, a.toNative[sym])
	}
	return json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: ids,
		Channels:   []string{"ticker"},
	})
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

func (a *Coinbase) ParseMessage(raw []byte) (*domain.PriceFeed, error) {
	var msg coinbaseTicker
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("coinbase: unmarshal: %w", err)
	}
	// "subscriptions", "heartbeat", "error" and friends are not price updates.
	if msg.Type != "ticker" {
		return nil, nil
	}

	symbol, err := a.NormalizeSymbol(msg.ProductID)
	if err != nil {
		return nil, fmt.Errorf("coinbase: ticker: %w", err)
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("coinbase: price %q: %w", msg.Price, err)
	}

	feed := &domain.PriceFeed{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    a.Name(),
	}
	if msg.Time != "" {
		if ts, err := time.Parse(time.RFC3339, msg.Time); err == nil {
			feed.Timestamp = ts
		}
	}
	if msg.Volume24h != "" {
		vol, err := decimal.NewFromString(msg.Volume24h)
		if err != nil {
			return nil, fmt.Errorf("coinbase: volume %q: %w", msg.Volume24h, err)
		}
		feed.Volume = &vol
	}
	return feed, nil
}

func (a *Coinbase) NormalizeSymbol(native string) (string, error) {
	if sym, ok := a.fromWire[native]; ok {
		return sym, nil
	}
	return "", fmt.Errorf("coinbase: product %q not in configured symbol set", native)
}

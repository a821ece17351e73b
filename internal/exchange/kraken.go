// internal/exchange/kraken.go
package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// baseAliases maps canonical base currencies to Kraken's naming.
var baseAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// Kraken speaks the Kraken public WebSocket (v1): ticker channel, pairs
// like "XBT/USD", data frames as JSON arrays and control events as
// objects.
type Kraken struct {
	symbols  []string
	toNative map[string]string // "BTC/USD" -> "XBT/USD"
	fromWire map[string]string // "XBT/USD" -> "BTC/USD"
}

// NewKraken builds the Kraken adapter for the configured symbols.
func NewKraken(cfg Config) (*Kraken, error) {
	if err := cfg.validate("kraken"); err != nil {
		return nil, err
	}
	a := &Kraken{
		symbols:  cfg.Symbols,
		toNative: make(map[string]string, len(cfg.Symbols)),
		fromWire: make(map[string]string, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		base, quote, err := splitSymbol(sym)
		if err != nil {
			return nil, err
		}
		if alias, ok := baseAliases[base]; ok {
			base = alias
		}
		native := base + "/" + quote
		a.toNative[sym] = native
		a.fromWire[native] = sym
	}
	return a, nil
}

func (a *Kraken) Name() string { return "kraken" }

func (a *Kraken) BuildSubscription() ([]byte, error) {
	pairs := make([]string, 0, len(a.symbols))
	for _, sym := range a.symbols {
		pairs = append(pairs, a.toNative[sym])
	}
	return json.Marshal(map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "ticker"},
	})
}

// krakenTickerPayload is the second element of a ticker data frame.
// "c" is [last trade price, lot volume]; "v" is [volume today, volume 24h].
type krakenTickerPayload struct {
	C []string `json:"c"`
	V []string `json:"v"`
}

func (a *Kraken) ParseMessage(raw []byte) (*domain.PriceFeed, error) {
	trimmed := bytes.TrimSpace(raw)
	// Control events (heartbeat, systemStatus, subscriptionStatus) are
	// JSON objects; only data frames are arrays.
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, fmt.Errorf("kraken: unmarshal frame: %w", err)
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("kraken: short data frame (%d elements)", len(frame))
	}

	var channel string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		// Data for a channel we did not subscribe to; not a price update.
		return nil, nil
	}

	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, fmt.Errorf("kraken: ticker pair: %w", err)
	}
	symbol, err := a.NormalizeSymbol(pair)
	if err != nil {
		return nil, fmt.Errorf("kraken: ticker: %w", err)
	}

	var payload krakenTickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return nil, fmt.Errorf("kraken: ticker payload: %w", err)
	}
	if len(payload.C) == 0 {
		return nil, fmt.Errorf("kraken: ticker payload has no last-trade price")
	}
	price, err := decimal.NewFromString(payload.C[0])
	if err != nil {
		return nil, fmt.Errorf("kraken: price %q: %w", payload.C[0], err)
	}

	feed := &domain.PriceFeed{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    a.Name(),
	}
	if len(payload.V) >= 2 {
		vol, err := decimal.NewFromString(payload.V[1])
		if err != nil {
			return nil, fmt.Errorf("kraken: volume %q: %w", payload.V[1], err)
		}
		feed.Volume = &vol
	}
	return feed, nil
}

func (a *Kraken) NormalizeSymbol(native string) (string, error) {
	if sym, ok := a.fromWire[native]; ok {
		return sym, nil
	}
	return "", fmt.Errorf("kraken: pair %q not in configured symbol set", native)
}

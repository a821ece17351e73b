// internal/exchange/binance.go
package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// quoteAliases maps canonical quote currencies to what Binance actually
// trades against. "BTC/USD" is collected from the BTCUSDT stream.
var quoteAliases = map[string]string{
	"USD": "USDT",
}

// Binance speaks the Binance spot WebSocket: trade streams, symbols like
// "BTCUSDT", subscription via SUBSCRIBE frames with incrementing ids.
type Binance struct {
	symbols     []string
	toNative    map[string]string // "BTC/USD" -> "BTCUSDT"
	fromWire    map[string]string // "BTCUSDT" -> "BTC/USD"
	subscribeID uint64
}

// NewBinance builds the Binance adapter for the configured symbols.
func NewBinance(cfg Config) (*Binance, error) {
	if err := cfg.validate("binance"); err != nil {
		return nil, err
	}
	a := &Binance{
		symbols:  cfg.Symbols,
		toNative: make(map[string]string, len(cfg.Symbols)),
		fromWire: make(map[string]string, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		base, quote, err := splitSymbol(sym)
		if err != nil {
			return nil, err
		}
		if alias, ok := quoteAliases[quote]; ok {
			quote = alias
		}
		native := base + quote
		a.toNative[sym] = native
		a.fromWire[native] = sym
	}
	return a, nil
}

func (a *Binance) Name() string { return "binance" }

func (a *Binance) BuildSubscription() ([]byte, error) {
	params := make([]string, 0, len(a.symbols))
	for _, sym := range a.symbols {
		params = append(params, strings.ToLower(a.toNative[sym])+"@trade")
	}
	return json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     atomic.AddUint64(&a.subscribeID, 1),
	})
}

type binanceTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeID   int64  `json:"t"`
	TradeTime int64  `json:"T"`
}

func (a *Binance) ParseMessage(raw []byte) (*domain.PriceFeed, error) {
	var msg binanceTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("binance: unmarshal: %w", err)
	}
	// Subscription acks ({"result":null,"id":1}) and non-trade events
	// carry no "e":"trade" field.
	if msg.Event != "trade" {
		return nil, nil
	}

	symbol, err := a.NormalizeSymbol(msg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("binance: trade: %w", err)
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("binance: price %q: %w", msg.Price, err)
	}
	qty, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance: quantity %q: %w", msg.Quantity, err)
	}

	ts := time.Now().UTC()
	if msg.TradeTime > 0 {
		ts = time.UnixMilli(msg.TradeTime).UTC()
	}
	return &domain.PriceFeed{
		Symbol:    symbol,
		Price:     price,
		Volume:    &qty,
		Timestamp: ts,
		Source:    a.Name(),
		Metadata:  map[string]string{"trade_id": fmt.Sprintf("%d", msg.TradeID)},
	}, nil
}

func (a *Binance) NormalizeSymbol(native string) (string, error) {
	if sym, ok := a.fromWire[strings.ToUpper(native)]; ok {
		return sym, nil
	}
	return "", fmt.Errorf("binance: symbol %q not in configured symbol set", native)
}

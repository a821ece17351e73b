// internal/exchange/adapter.go
package exchange

import (
	"fmt"
	"strings"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// Adapter is the per-exchange capability contract. One implementation per
// exchange; adding an exchange means adding a variant here, nothing else
// changes.
//
// ParseMessage returns (nil, nil) for any message that is not a tradable
// price update (heartbeats, subscription acks, status events). It returns
// an error only for price-shaped payloads that fail to parse — those are
// reported, not silently dropped.
type Adapter interface {
	Name() string

	// BuildSubscription renders the wire-format subscription request for
	// the adapter's configured symbols. Pure function of configuration.
	BuildSubscription() ([]byte, error)

	// ParseMessage normalizes one inbound wire message into a PriceFeed.
	ParseMessage(raw []byte) (*domain.PriceFeed, error)

	// NormalizeSymbol maps an exchange-native symbol to canonical
	// "BASE/QUOTE". Total over the adapter's configured symbol set.
	NormalizeSymbol(native string) (string, error)
}

// Config is the shared adapter configuration: the canonical symbols the
// collector wants from this exchange.
type Config struct {
	Symbols []string
}

func (c Config) validate(exchange string) error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%s adapter: at least one symbol is required", exchange)
	}
	for _, s := range c.Symbols {
		if !domain.ValidSymbol(s) {
			return fmt.Errorf("%s adapter: symbol %q is not canonical BASE/QUOTE", exchange, s)
		}
	}
	return nil
}

// New constructs the adapter variant for the named exchange.
func New(name string, cfg Config) (Adapter, error) {
	switch strings.ToLower(name) {
	case "coinbase":
		return NewCoinbase(cfg)
	case "binance":
		return NewBinance(cfg)
	case "kraken":
		return NewKraken(cfg)
	default:
		return nil, fmt.Errorf("exchange: unknown adapter %q", name)
	}
}

// splitSymbol breaks a canonical symbol into BASE and QUOTE.
func splitSymbol(canonical string) (base, quote string, err error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("exchange: malformed symbol %q", canonical)
	}
	return parts[0], parts[1], nil
}

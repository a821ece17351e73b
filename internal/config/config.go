// internal/config/config.go

// Package config defines the two service configurations and their
// defaults. Values layer as defaults < YAML file < PRICEMESH_* env vars.
package config

import (
	"fmt"

	"github.com/pricemesh/pricemesh/internal/collector"
	"github.com/pricemesh/pricemesh/internal/consensus"
	"github.com/pricemesh/pricemesh/internal/pricecache"
	"github.com/pricemesh/pricemesh/internal/storage/redis"
	"github.com/pricemesh/pricemesh/internal/storage/timescale"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/configloader"
	"github.com/pricemesh/pricemesh/pkg/httpserver"
	"github.com/pricemesh/pricemesh/pkg/kafka"
	"github.com/pricemesh/pricemesh/pkg/logger"
	"github.com/pricemesh/pricemesh/pkg/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. PRICEMESH_TIMESCALE_DSN.
const EnvPrefix = "PRICEMESH"

// ExchangeConfig enables one exchange feed on the collector.
type ExchangeConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
}

// Collector is the collector service configuration.
type Collector struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	HTTP      httpserver.Config `mapstructure:"http"`

	Gateway   collector.IngestClientConfig `mapstructure:"gateway"`
	Forwarder collector.ForwarderConfig    `mapstructure:"forwarder"`
	Reconnect backoff.Policy               `mapstructure:"reconnect"`

	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
}

// Validate implements the configloader contract.
func (c *Collector) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	enabled := 0
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		enabled++
		if ex.URL == "" {
			return fmt.Errorf("exchanges.%s.url is required", name)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchanges.%s.symbols is required", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	return nil
}

// Gateway is the gateway service configuration.
type Gateway struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	HTTP      httpserver.Config `mapstructure:"http"`

	Timescale timescale.Config `mapstructure:"timescale"`

	// Redis is optional; an empty URL disables the distributed cache.
	Redis redis.Config `mapstructure:"redis"`

	// Kafka is optional; no brokers disables the consensus stream.
	Kafka struct {
		kafka.Config `mapstructure:",squash"`
		Topic        string `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Consensus consensus.Config  `mapstructure:"consensus"`
	Cache     pricecache.Config `mapstructure:"cache"`
}

// Validate implements the configloader contract.
func (c *Gateway) Validate() error {
	if c.Timescale.DSN == "" {
		return fmt.Errorf("timescale.dsn is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// LoadCollector reads the collector config from path (optional) and env.
func LoadCollector(path string) (*Collector, error) {
	cfg := &Collector{}
	if err := configloader.Load(path, EnvPrefix, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGateway reads the gateway config from path (optional) and env.
func LoadGateway(path string) (*Gateway, error) {
	cfg := &Gateway{}
	if err := configloader.Load(path, EnvPrefix, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	configloader.RegisterDefaults(map[string]interface{}{
		"service_name":    "pricemesh",
		"service_version": "dev",
		"logging.level":   "info",

		"http.addr": ":8080",

		// Collector.
		"gateway.timeout":          "10s",
		"forwarder.batch_size":     100,
		"forwarder.flush_interval": "5s",
		"forwarder.max_buffered":   10000,
		"reconnect.base_delay":     "1s",
		"reconnect.max_delay":      "60s",
		"reconnect.max_attempts":   10,

		"exchanges.coinbase.url": "wss://ws-feed.exchange.coinbase.com",
		"exchanges.binance.url":  "wss://stream.binance.com:9443/ws",
		"exchanges.kraken.url":   "wss://ws.kraken.com",

		// Gateway.
		"consensus.interval":    "5s",
		"consensus.window":      "30s",
		"consensus.min_sources": 1,
		"cache.staleness":       "30s",
		"redis.ttl":             "10m",
	})
}

// internal/collector/client.go
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// IngestClientConfig configures delivery to the gateway.
type IngestClientConfig struct {
	// URL is the gateway's ingest endpoint, e.g.
	// http://gateway:8081/internal/ingest.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c *IngestClientConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

func (c IngestClientConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("ingest client: url is required")
	}
	return nil
}

// IngestClient posts batches to the gateway over HTTP and decodes the
// per-batch accounting from the response.
type IngestClient struct {
	cfg  IngestClientConfig
	http *http.Client
}

// NewIngestClient builds the gateway client.
func NewIngestClient(cfg IngestClientConfig) (*IngestClient, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &IngestClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Publish implements Publisher.
func (c *IngestClient) Publish(ctx context.Context, batch domain.IngestBatch) (*domain.IngestResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("ingest client: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ingest client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest client: post: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ingest client: read response: %w", err)
	}

	// 200 carries success or partial accounting; anything else means the
	// batch as a whole was not accepted.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest client: gateway returned %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	var result domain.IngestResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("ingest client: decode response: %w", err)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

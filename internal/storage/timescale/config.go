// internal/storage/timescale/config.go
package timescale

import "fmt"

// Config describes the TimescaleDB connection.
type Config struct {
	DSN string `mapstructure:"dsn"`
}

func (c Config) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("timescaledb: dsn is required")
	}
	return nil
}

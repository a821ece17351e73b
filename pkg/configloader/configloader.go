// pkg/configloader/configloader.go

// Package configloader layers configuration: registered defaults, then a
// YAML file, then environment variables. Services register their
// defaults at init time and call Load once in main.
package configloader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	defaultsMu sync.RWMutex
	defaults   = make(map[string]interface{})
)

// RegisterDefaults registers default values under dotted keys, e.g.
// "consensus.interval".
func RegisterDefaults(values map[string]interface{}) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	for k, v := range values {
		defaults[k] = v
	}
}

func getDefaults() map[string]interface{} {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()

	cp := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	return cp
}

// Load fills cfgPtr from defaults + optional YAML file + ENV. envPrefix
// namespaces the variables: prefix PRICEMESH turns "timescale.dsn" into
// PRICEMESH_TIMESCALE_DSN. If cfgPtr has a Validate() error method it is
// called last.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()

	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	if validator, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}
	return nil
}

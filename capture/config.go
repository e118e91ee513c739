package capture

import (
	"github.com/hazyhaar/bluebox/capture/internal/config"
)

// Config is the top-level capture configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls how the session reaches Chrome.
type BrowserConfig = config.BrowserConfig

// NetworkConfig controls traffic capture and interception.
type NetworkConfig = config.NetworkConfig

// CollectConfig controls the periodic collection passes.
type CollectConfig = config.CollectConfig

// OutputConfig defines where captured records land.
type OutputConfig = config.OutputConfig

// StatusConfig exposes the HTTP status endpoint.
type StatusConfig = config.StatusConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return config.Default()
}

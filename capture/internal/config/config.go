// Package config handles capture configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level capture configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Network NetworkConfig `yaml:"network"`
	Collect CollectConfig `yaml:"collect"`
	Output  OutputConfig  `yaml:"output"`
	Status  StatusConfig  `yaml:"status"`
}

// BrowserConfig controls how the session reaches Chrome.
type BrowserConfig struct {
	ConnectURL string `yaml:"connect_url"` // ws:// endpoint of a running browser
	Launch     bool   `yaml:"launch"`      // launch a local Chrome instead
	Headless   bool   `yaml:"headless"`
}

// NetworkConfig controls traffic capture and interception.
type NetworkConfig struct {
	BlockPatterns  []string `yaml:"block_patterns"`  // URL globs never fetched or recorded
	StaticSuffixes []string `yaml:"static_suffixes"` // path suffixes skipped as static assets
	Resources      []string `yaml:"resources"`       // resource types worth intercepting
	BodyMaxChars   int      `yaml:"body_max_chars"`
	URLMaxChars    int      `yaml:"url_max_chars"`
}

// CollectConfig controls the periodic collection passes.
type CollectConfig struct {
	Interval        time.Duration `yaml:"interval"`
	WalkTimeout     time.Duration `yaml:"walk_timeout"`
	TopLevelTimeout time.Duration `yaml:"top_level_timeout"`
	MaxDepth        int           `yaml:"max_depth"`
	CookieDebounce  time.Duration `yaml:"cookie_debounce"`
}

// OutputConfig defines where captured records land.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	HAR        bool   `yaml:"har"`
	SQLitePath string `yaml:"sqlite_path"` // optional event store
	Stdout     bool   `yaml:"stdout"`
}

// StatusConfig exposes the HTTP status endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if len(c.Network.BlockPatterns) == 0 {
		c.Network.BlockPatterns = defaultBlockPatterns()
	}
	if len(c.Network.StaticSuffixes) == 0 {
		c.Network.StaticSuffixes = defaultStaticSuffixes()
	}
	if len(c.Network.Resources) == 0 {
		c.Network.Resources = []string{"Document", "Fetch", "Script", "XHR"}
	}
	if c.Network.BodyMaxChars <= 0 {
		c.Network.BodyMaxChars = 250_000
	}
	if c.Network.URLMaxChars <= 0 {
		c.Network.URLMaxChars = 150
	}
	if c.Collect.Interval <= 0 {
		c.Collect.Interval = 10 * time.Second
	}
	if c.Collect.WalkTimeout <= 0 {
		c.Collect.WalkTimeout = 500 * time.Millisecond
	}
	if c.Collect.TopLevelTimeout <= 0 {
		c.Collect.TopLevelTimeout = time.Second
	}
	if c.Collect.MaxDepth <= 0 {
		c.Collect.MaxDepth = 10
	}
	if c.Collect.CookieDebounce <= 0 {
		c.Collect.CookieDebounce = 500 * time.Millisecond
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "capture_out"
	}
}

// defaultBlockPatterns lists trackers and beacon endpoints whose traffic
// is noise: blocked at the browser and never recorded.
func defaultBlockPatterns() []string {
	return []string{
		"*google-analytics.com*",
		"*googletagmanager.com*",
		"*doubleclick.net*",
		"*facebook.net*",
		"*facebook.com/tr*",
		"*hotjar.com*",
		"*segment.io*",
		"*segment.com*",
		"*mixpanel.com*",
		"*amplitude.com*",
		"*sentry.io*",
		"*newrelic.com*",
		"*nr-data.net*",
		"*datadoghq.com*",
		"*clarity.ms*",
		"*linkedin.com/px*",
		"*bing.com/bat*",
		"*tiktok.com/i18n*",
		"*snapchat.com/tr*",
		"*criteo.com*",
		"*criteo.net*",
		"*adsrvr.org*",
		"*quantserve.com*",
		"*scorecardresearch.com*",
	}
}

func defaultStaticSuffixes() []string {
	return []string{
		".css", ".woff", ".woff2", ".ttf", ".otf", ".eot",
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
		".mp4", ".webm", ".mp3", ".wav",
	}
}

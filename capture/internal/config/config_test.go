package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Network.BodyMaxChars != 250_000 {
		t.Errorf("BodyMaxChars = %d", cfg.Network.BodyMaxChars)
	}
	if cfg.Network.URLMaxChars != 150 {
		t.Errorf("URLMaxChars = %d", cfg.Network.URLMaxChars)
	}
	if cfg.Collect.Interval != 10*time.Second {
		t.Errorf("Interval = %s", cfg.Collect.Interval)
	}
	if cfg.Collect.CookieDebounce != 500*time.Millisecond {
		t.Errorf("CookieDebounce = %s", cfg.Collect.CookieDebounce)
	}
	if cfg.Collect.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d", cfg.Collect.MaxDepth)
	}
	if len(cfg.Network.BlockPatterns) == 0 || len(cfg.Network.StaticSuffixes) == 0 {
		t.Error("default block/static lists are empty")
	}
	if len(cfg.Network.Resources) != 4 {
		t.Errorf("Resources = %v", cfg.Network.Resources)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := `
browser:
  connect_url: ws://127.0.0.1:9222/devtools/browser/abc
network:
  body_max_chars: 1000
  block_patterns: ["*tracker.example*"]
collect:
  interval: 2s
output:
  dir: /tmp/cap
  har: true
status:
  addr: :8099
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.ConnectURL == "" {
		t.Error("connect_url not parsed")
	}
	if cfg.Network.BodyMaxChars != 1000 {
		t.Errorf("BodyMaxChars = %d, want override 1000", cfg.Network.BodyMaxChars)
	}
	if len(cfg.Network.BlockPatterns) != 1 {
		t.Errorf("BlockPatterns = %v, want single override", cfg.Network.BlockPatterns)
	}
	if cfg.Collect.Interval != 2*time.Second {
		t.Errorf("Interval = %s", cfg.Collect.Interval)
	}
	// Untouched fields still get defaults.
	if cfg.Collect.MaxDepth != 10 {
		t.Errorf("MaxDepth = %d", cfg.Collect.MaxDepth)
	}
	if !cfg.Output.HAR || cfg.Output.Dir != "/tmp/cap" {
		t.Errorf("output = %+v", cfg.Output)
	}
	if cfg.Status.Addr != ":8099" {
		t.Errorf("status addr = %q", cfg.Status.Addr)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}

// Package browser launches a local Chrome for capture sessions that do
// not connect to an already-running instance. Only the launcher is used;
// all protocol traffic goes through the session's own websocket client.
package browser

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the local launch.
type Config struct {
	// Headless runs Chrome without a window. Default true.
	Headless bool

	Logger *slog.Logger
}

// Instance is one launched Chrome process.
type Instance struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	lnch   *launcher.Launcher
	closed bool
}

// Launch starts Chrome and resolves its DevTools WebSocket URL.
func Launch(cfg Config) (*Instance, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	logger.Info("browser: launched local chrome", "url", url, "headless", cfg.Headless)
	return &Instance{url: url, logger: logger, lnch: l}, nil
}

// URL returns the browser-level DevTools WebSocket URL.
func (i *Instance) URL() string { return i.url }

// Close kills the Chrome process and removes its temporary profile.
// Safe to call more than once.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.lnch.Kill()
	i.lnch.Cleanup()
	i.logger.Info("browser: chrome stopped")
	return nil
}

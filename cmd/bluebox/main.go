// Command bluebox is the browser session capture daemon.
//
// Usage:
//
//	bluebox -config bluebox.yaml                 # capture per YAML config
//	bluebox -connect ws://127.0.0.1:9222/...     # attach to a running Chrome
//	bluebox -launch                              # launch a local headless Chrome
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/bluebox/capture"
	"github.com/hazyhaar/bluebox/internal/statusapi"
)

func main() {
	configPath := flag.String("config", "", "path to bluebox.yaml config file")
	connectURL := flag.String("connect", "", "DevTools websocket URL of a running browser")
	launch := flag.Bool("launch", false, "launch a local Chrome")
	headful := flag.Bool("headful", false, "launch with a visible window")
	outputDir := flag.String("output", "", "output directory (overrides config)")
	statusAddr := flag.String("status-addr", "", "address for the status HTTP endpoint (overrides config)")
	stdout := flag.Bool("stdout", false, "also emit records to stdout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath, *connectURL, *launch, *headful, *outputDir, *statusAddr, *stdout)
	if err != nil {
		logger.Error("bluebox: fatal", "error", err)
		os.Exit(1)
	}
	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("bluebox: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, connectURL string, launch, headful bool, outputDir, statusAddr string, stdout bool) (*capture.Config, error) {
	cfg := capture.DefaultConfig()
	if path != "" {
		loaded, err := capture.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if connectURL != "" {
		cfg.Browser.ConnectURL = connectURL
	}
	if launch {
		cfg.Browser.Launch = true
		cfg.Browser.Headless = !headful
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if statusAddr != "" {
		cfg.Status.Addr = statusAddr
	}
	if stdout {
		cfg.Output.Stdout = true
	}
	if cfg.Browser.ConnectURL == "" && !cfg.Browser.Launch {
		return nil, fmt.Errorf("no browser: pass -connect, -launch or configure one")
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *capture.Config) error {
	var extra []capture.Sink
	var recent *statusapi.Recent
	if cfg.Status.Addr != "" {
		recent = statusapi.NewRecent(200)
		extra = append(extra, recent)
	}

	session, err := capture.New(cfg, logger, extra...)
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		api := statusapi.New(cfg.Status.Addr, logger, session.Summary, recent)
		go func() {
			if err := api.Start(ctx); err != nil {
				logger.Warn("bluebox: status endpoint failed", "error", err)
			}
		}()
	}

	logger.Info("bluebox: starting capture", "session_id", session.ID(), "output", cfg.Output.Dir)
	return session.Run(ctx)
}

// Package capture orchestrates a browser capture session over the Chrome
// DevTools Protocol. One Session owns one websocket connection, a chain
// of monitors observing network traffic, storage, window properties, user
// interactions and DOM snapshots, and a set of sinks receiving the
// normalized records.
//
// capture observes, it does not interpret. Downstream consumers (routine
// discovery agents, replayers, indexers) read the JSONL logs and the
// consolidated documents written at finalization.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/export"
	"github.com/hazyhaar/bluebox/capture/internal/browser"
	"github.com/hazyhaar/bluebox/capture/internal/config"
	"github.com/hazyhaar/bluebox/capture/internal/monitor"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
	"github.com/hazyhaar/bluebox/capture/internal/sink"
)

// checkTick is how often the collection loop re-evaluates whether a
// window-property walk is due.
const checkTick = time.Second

// Session is the top-level orchestrator. Create one per monitored browser
// session; it is not reusable after Run returns.
type Session struct {
	id     string
	cfg    *config.Config
	logger *slog.Logger

	jsonl  *sink.JSONL
	router *sink.Router
	chrome *browser.Instance

	mu        sync.Mutex
	monitors  []monitor.Monitor
	storage   *monitor.Storage
	props     *monitor.WindowProps
	startedAt time.Time
	finalized bool
}

// New creates a Session from configuration. Extra sinks receive every
// record alongside the built-in ones; the statusapi live feed hooks in
// this way.
func New(cfg *config.Config, logger *slog.Logger, extra ...sink.Sink) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	jsonl, err := sink.NewJSONL(cfg.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	sinks := append([]sink.Sink{jsonl}, extra...)
	if cfg.Output.Stdout {
		sinks = append(sinks, sink.NewStdout(os.Stdout))
	}
	if cfg.Output.SQLitePath != "" {
		store, err := sink.NewSQLite(cfg.Output.SQLitePath, id)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		sinks = append(sinks, store)
	}

	return &Session{
		id:     id,
		cfg:    cfg,
		logger: logger,
		jsonl:  jsonl,
		router: sink.NewRouter(logger, sinks...),
	}, nil
}

// ID returns the session identifier, also used to tag SQLite rows.
func (s *Session) ID() string { return s.id }

// OutputDir returns the root directory the session writes under.
func (s *Session) OutputDir() string { return s.jsonl.Root() }

// Run connects to the browser, attaches the monitors and blocks until ctx
// is cancelled or the connection drops. Finalization (forced syncs,
// consolidated documents, HAR, summary) always runs before Run returns.
func (s *Session) Run(ctx context.Context) error {
	wsURL := s.cfg.Browser.ConnectURL
	if wsURL == "" {
		if !s.cfg.Browser.Launch {
			return fmt.Errorf("capture: no browser: set connect_url or launch")
		}
		chrome, err := browser.Launch(browser.Config{
			Headless: s.cfg.Browser.Headless,
			Logger:   s.logger,
		})
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		s.chrome = chrome
		defer chrome.Close()
		wsURL = chrome.URL()
	}

	client, err := proto.Dial(ctx, wsURL, s.logger)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	s.buildMonitors(client)

	// The read loop outlives ctx so the finalizer can still drain
	// replies to its forced snapshot commands.
	readErr := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(context.Background())
	defer stopRead()
	go func() { readErr <- client.ReadLoop(readCtx) }()

	if _, err := client.ResolveSession(ctx); err != nil {
		s.logger.Warn("capture: page session not resolved, waiting for attach", "error", err)
	}
	for _, m := range s.monitors {
		if err := m.Setup(ctx); err != nil {
			client.Close()
			<-readErr
			return fmt.Errorf("capture: setup %s: %w", m.Name(), err)
		}
	}
	s.logger.Info("capture: session running",
		"session_id", s.id, "url", wsURL, "output", s.jsonl.Root())

	ticker := time.NewTicker(checkTick)
	defer ticker.Stop()
	transportDead := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-readErr:
			transportDead = true
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("capture: connection lost", "error", err)
			}
			break loop
		case <-ticker.C:
			s.props.CheckAndCollect()
		}
	}

	s.finalize(transportDead)
	stopRead()
	client.Close()
	if !transportDead {
		<-readErr
	}
	return nil
}

func (s *Session) buildMonitors(client *proto.Client) {
	emit := func(category event.Category, rec any) {
		// Router logs per-sink failures itself.
		_ = s.router.Send(context.Background(), category, rec)
	}

	network := monitor.NewNetwork(client, emit, s.logger, monitor.NetworkConfig{
		BlockPatterns:  s.cfg.Network.BlockPatterns,
		StaticSuffixes: s.cfg.Network.StaticSuffixes,
		Resources:      s.cfg.Network.Resources,
		BodyMaxChars:   s.cfg.Network.BodyMaxChars,
		URLMaxChars:    s.cfg.Network.URLMaxChars,
	})
	storage := monitor.NewStorage(client, emit, s.logger, monitor.StorageConfig{
		CookieDebounce: s.cfg.Collect.CookieDebounce,
	})
	dom := monitor.NewDOMSnapshot(client, emit, s.logger)
	props := monitor.NewWindowProps(client, emit, s.logger, monitor.WindowPropsConfig{
		Interval:        s.cfg.Collect.Interval,
		WalkTimeout:     s.cfg.Collect.WalkTimeout,
		TopLevelTimeout: s.cfg.Collect.TopLevelTimeout,
		MaxDepth:        s.cfg.Collect.MaxDepth,
	})
	inter := monitor.NewInteraction(client, emit, s.logger)

	// Dispatch order matters: the network monitor passes Fetch and
	// response events through for the storage monitor's cookie triggers,
	// and the snapshot monitor sees Page load events before the property
	// monitor swallows them.
	monitors := []monitor.Monitor{network, storage, dom, props, inter}

	s.mu.Lock()
	s.monitors = monitors
	s.storage = storage
	s.props = props
	s.startedAt = time.Now()
	s.mu.Unlock()

	for _, m := range monitors {
		client.RegisterHandler(m)
	}
}

// finalize forces the last reconciliation passes while the transport is
// still up, then drains sinks and writes the consolidated documents.
// Runs at most once.
func (s *Session) finalize(transportDead bool) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	if !transportDead {
		grace, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		s.storage.CheckCookies(true)
		s.props.ForceCollect()
		s.storage.WaitIdle(grace)
		s.props.WaitIdle(grace)
		cancel()
	}

	if err := s.router.Close(); err != nil {
		s.logger.Warn("capture: sink close", "error", err)
	}

	networkLog := s.jsonl.Path(event.CategoryNetwork)
	consolidatedPath := filepath.Join(filepath.Dir(networkLog), "consolidated_transactions.json")
	if txs, err := export.ConsolidateTransactions(networkLog, consolidatedPath); err != nil {
		s.logger.Warn("capture: consolidate transactions", "error", err)
	} else {
		s.logger.Info("capture: transactions consolidated", "count", len(txs), "path", consolidatedPath)
	}

	if s.cfg.Output.HAR {
		harPath := filepath.Join(filepath.Dir(networkLog), "network.har")
		if n, err := export.WriteHAR(networkLog, harPath, "bluebox session "+s.id); err != nil {
			s.logger.Warn("capture: har export", "error", err)
		} else {
			s.logger.Info("capture: har written", "entries", n, "path", harPath)
		}
	}

	interactionLog := s.jsonl.Path(event.CategoryInteraction)
	interactionsPath := filepath.Join(filepath.Dir(interactionLog), "consolidated_interactions.json")
	if _, err := export.ConsolidateInteractions(interactionLog, interactionsPath); err != nil {
		s.logger.Warn("capture: consolidate interactions", "error", err)
	}

	summaryPath := filepath.Join(s.jsonl.Root(), "session_summary.json")
	if err := export.WriteSummary(summaryPath, s.Summary()); err != nil {
		s.logger.Warn("capture: summary write", "error", err)
	}
	s.logger.Info("capture: session finalized", "session_id", s.id, "output", s.jsonl.Root())
}

// Summary aggregates the per-monitor live summaries. Safe to call while
// the session runs; the statusapi serves it.
func (s *Session) Summary() map[string]any {
	s.mu.Lock()
	monitors := s.monitors
	startedAt := s.startedAt
	s.mu.Unlock()

	perMonitor := map[string]any{}
	for _, m := range monitors {
		perMonitor[m.Name()] = m.Summary()
	}
	out := map[string]any{
		"session_id": s.id,
		"output_dir": s.jsonl.Root(),
		"monitors":   perMonitor,
	}
	if !startedAt.IsZero() {
		out["started_at"] = startedAt.UTC().Format(time.RFC3339)
		out["duration_seconds"] = time.Since(startedAt).Seconds()
	}
	return out
}

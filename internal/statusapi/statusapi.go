// Package statusapi exposes a capture session's live state over HTTP:
// health, the aggregated monitor summary and a ring of recent records.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/bluebox/capture/event"
)

// SummaryFunc supplies the live session summary on each request.
type SummaryFunc func() map[string]any

// Server serves the status endpoints for one session.
type Server struct {
	addr    string
	logger  *slog.Logger
	summary SummaryFunc
	recent  *Recent
	httpSrv *http.Server
}

// New creates the status server. recent may be nil when the live feed is
// not wired up.
func New(addr string, logger *slog.Logger, summary SummaryFunc, recent *Recent) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, logger: logger, summary: summary, recent: recent}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/summary", s.handleSummary)
	r.Get("/v1/recent", s.handleRecent)
	r.Get("/v1/stream", s.handleStream)
	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("statusapi: listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.summary())
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		writeJSON(w, http.StatusOK, []RecentRecord{})
		return
	}
	category := r.URL.Query().Get("category")
	writeJSON(w, http.StatusOK, s.recent.Records(event.Category(category)))
}

func (s *Server) handleStream(w http.ResponseWriter, _ *http.Request) {
	if s.recent == nil {
		writeJSON(w, http.StatusOK, map[event.Category]event.StreamSummary{})
		return
	}
	writeJSON(w, http.StatusOK, event.Summarize(s.recent.Sightings()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RecentRecord is one entry of the live feed.
type RecentRecord struct {
	Category event.Category `json:"category"`
	Seen     float64        `json:"seen"`
	Data     any            `json:"data"`
}

// Recent is a bounded ring of the latest records. It implements the sink
// interface so a session feeds it like any other output.
type Recent struct {
	mu   sync.Mutex
	ring []RecentRecord
	next int
	full bool
}

// NewRecent creates a ring holding up to n records.
func NewRecent(n int) *Recent {
	if n <= 0 {
		n = 100
	}
	return &Recent{ring: make([]RecentRecord, n)}
}

// Send stores the record, evicting the oldest when full.
func (r *Recent) Send(_ context.Context, category event.Category, rec any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = RecentRecord{
		Category: category,
		Seen:     float64(time.Now().UnixNano()) / 1e9,
		Data:     rec,
	}
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return nil
}

func (r *Recent) Close() error { return nil }

// Records returns the buffered records oldest first, optionally filtered
// by category.
func (r *Recent) Records(category event.Category) []RecentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecentRecord, 0, len(r.ring))
	appendRec := func(rec RecentRecord) {
		if rec.Data == nil {
			return
		}
		if category != "" && rec.Category != category {
			return
		}
		out = append(out, rec)
	}
	if r.full {
		for _, rec := range r.ring[r.next:] {
			appendRec(rec)
		}
	}
	for _, rec := range r.ring[:r.next] {
		appendRec(rec)
	}
	return out
}

// Sightings projects the buffered records into (category, timestamp)
// pairs for event.Summarize.
func (r *Recent) Sightings() []event.Sighting {
	recs := r.Records("")
	out := make([]event.Sighting, len(recs))
	for i, rec := range recs {
		out[i] = event.Sighting{Category: rec.Category, Seen: rec.Seen}
	}
	return out
}

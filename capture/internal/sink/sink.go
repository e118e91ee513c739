// Package sink defines output backends for captured records.
package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/bluebox/capture/event"
)

// Sink is the output interface. Implementations deliver records to
// different backends (JSONL files, stdout, SQLite, in-process callback).
// rec is one of the event package types; category routes it.
type Sink interface {
	Send(ctx context.Context, category event.Category, rec any) error
	Close() error
}

// Router fans out records to all configured sinks. One sink error does
// not block the others; errors are logged and the first encountered is
// returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Send(ctx context.Context, category event.Category, rec any) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, category, rec); err != nil {
			r.logger.Warn("sink: send failed", "category", category, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.logger.Warn("sink: close failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

package capture

import (
	"context"
	"io"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/sink"
)

// Sink is the output interface for captured records.
type Sink = sink.Sink

// NewStdoutSink creates a JSON-lines sink writing enveloped records to w.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewCallbackSink creates an in-process callback sink for consumers that
// want records without serialisation.
func NewCallbackSink(fn func(ctx context.Context, category event.Category, rec any) error) Sink {
	return sink.NewCallback(fn)
}

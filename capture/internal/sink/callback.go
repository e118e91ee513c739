package sink

import (
	"context"

	"github.com/hazyhaar/bluebox/capture/event"
)

// RecordFunc is called for each record (in-process, zero serialisation).
type RecordFunc func(ctx context.Context, category event.Category, rec any) error

// Callback delivers records via Go function calls. When the capture
// session is embedded in a larger binary, records are delivered as
// in-memory function calls with zero serialisation overhead.
type Callback struct {
	fn RecordFunc
}

// NewCallback creates a Callback sink. A nil fn makes Send a no-op.
func NewCallback(fn RecordFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, category event.Category, rec any) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, category, rec)
}

func (c *Callback) Close() error { return nil }

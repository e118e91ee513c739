// Package monitor implements the per-concern capture monitors: network,
// storage, window properties, user interactions and DOM snapshots. Each
// monitor owns independent state, consumes the protocol frames it cares
// about and emits normalized records through a shared sink function.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// Commands is the slice of the protocol client monitors drive. Narrowed
// so monitor tests can run against a scripted fake.
type Commands interface {
	Send(method string, params any) (int64, error)
	SendAndWait(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	EnableDomain(ctx context.Context, domain string, params any, waitReply bool) error
	CurrentURL(ctx context.Context) string
}

// EmitFunc delivers one normalized record. Implementations must return
// quickly; the read loop calls this inline.
type EmitFunc func(category event.Category, rec any)

// Monitor is one capture concern. HandleEvent returns true to stop the
// frame from reaching later monitors; ClaimReply returns true when the
// monitor issued the command the reply answers.
type Monitor interface {
	Name() string
	Setup(ctx context.Context) error
	HandleEvent(f *proto.Frame) bool
	ClaimReply(f *proto.Frame) bool
	Summary() map[string]any
}

// nowUnix returns the capture timestamp in fractional seconds.
func nowUnix() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

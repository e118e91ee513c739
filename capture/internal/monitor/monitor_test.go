package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// fakeCmd is a scripted Commands implementation. waitFn answers
// SendAndWait calls; fire-and-forget sends are recorded for inspection.
type fakeCmd struct {
	mu      sync.Mutex
	nextID  int64
	sent    []sentCmd
	enabled map[string]int
	waitFn  func(method string, params map[string]any) (json.RawMessage, error)
	url     string
}

type sentCmd struct {
	ID     int64
	Method string
	Params map[string]any
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{enabled: map[string]int{}}
}

func toParamMap(params any) map[string]any {
	if params == nil {
		return nil
	}
	raw, _ := json.Marshal(params)
	var m map[string]any
	json.Unmarshal(raw, &m)
	return m
}

func (c *fakeCmd) Send(method string, params any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.sent = append(c.sent, sentCmd{ID: c.nextID, Method: method, Params: toParamMap(params)})
	return c.nextID, nil
}

func (c *fakeCmd) SendAndWait(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	c.sent = append(c.sent, sentCmd{ID: c.nextID, Method: method, Params: toParamMap(params)})
	fn := c.waitFn
	c.mu.Unlock()
	if fn != nil {
		return fn(method, toParamMap(params))
	}
	return json.RawMessage(`{}`), nil
}

func (c *fakeCmd) EnableDomain(_ context.Context, domain string, _ any, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[domain]++
	return nil
}

func (c *fakeCmd) CurrentURL(context.Context) string { return c.url }

func (c *fakeCmd) calls(method string) []sentCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentCmd
	for _, s := range c.sent {
		if s.Method == method {
			out = append(out, s)
		}
	}
	return out
}

// collector gathers emitted records.
type collector struct {
	mu   sync.Mutex
	recs []emitted
}

type emitted struct {
	Category event.Category
	Rec      any
}

func (c *collector) emit(category event.Category, rec any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, emitted{category, rec})
}

func (c *collector) all() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.recs...)
}

func (c *collector) waitLen(t *testing.T, n int) []emitted {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := c.all()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d records, have %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// waitUntil polls cond until it holds or the test deadline expires.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// cmdErr is a generic browser-side failure for reply error paths.
var cmdErr = proto.CommandError{Code: -32000, Message: "No resource with given identifier found"}

// eventFrame builds a push-event frame from a params literal.
func eventFrame(t *testing.T, method string, params any) *proto.Frame {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return &proto.Frame{Method: method, Params: raw}
}

// replyFrame builds a command reply frame.
func replyFrame(t *testing.T, id int64, result any) *proto.Frame {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	return &proto.Frame{ID: id, Result: raw}
}

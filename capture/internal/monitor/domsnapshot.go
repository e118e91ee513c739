package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// computedStyleProps are the style properties included in every snapshot;
// enough to tell visible content from hidden scaffolding.
var computedStyleProps = []string{"display", "visibility", "opacity"}

// DOMSnapshot captures one full serialized document per page load. The
// capture runs in a background goroutine so the 30s worst case on large
// pages never blocks the read loop.
type DOMSnapshot struct {
	cmd    Commands
	emit   EmitFunc
	logger *slog.Logger

	mu        sync.Mutex
	lastURL   string // from the latest main-frame navigation
	capturing bool
	captured  int
}

// NewDOMSnapshot creates the snapshot monitor.
func NewDOMSnapshot(cmd Commands, emit EmitFunc, logger *slog.Logger) *DOMSnapshot {
	return &DOMSnapshot{cmd: cmd, emit: emit, logger: logger}
}

func (d *DOMSnapshot) Name() string { return "dom_snapshot" }

func (d *DOMSnapshot) Setup(ctx context.Context) error {
	if err := d.cmd.EnableDomain(ctx, "Page", nil, true); err != nil {
		return err
	}
	return d.cmd.EnableDomain(ctx, "DOMSnapshot", nil, true)
}

// HandleEvent tracks main-frame navigations for URL tagging and fires a
// capture on load completion. Both events pass through to later monitors.
func (d *DOMSnapshot) HandleEvent(f *proto.Frame) bool {
	switch f.Method {
	case "Page.frameNavigated":
		var p struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(f.Params, &p); err == nil && p.Frame.ParentID == "" {
			d.mu.Lock()
			d.lastURL = p.Frame.URL
			d.mu.Unlock()
		}
		return false
	case "Page.loadEventFired":
		d.mu.Lock()
		if d.capturing {
			d.mu.Unlock()
			return false
		}
		d.capturing = true
		url := d.lastURL
		d.mu.Unlock()
		go d.capture(url)
		return false
	}
	return false
}

func (d *DOMSnapshot) ClaimReply(*proto.Frame) bool { return false }

func (d *DOMSnapshot) capture(url string) {
	defer func() {
		d.mu.Lock()
		d.capturing = false
		d.mu.Unlock()
	}()
	ctx := context.Background()
	if url == "" {
		url = d.cmd.CurrentURL(ctx)
	}

	// best-effort title, resolved just in time
	var title string
	if res, err := d.cmd.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.title",
		"returnByValue": true,
	}, 3*time.Second); err == nil {
		var ev struct {
			Result struct {
				Value string `json:"value"`
			} `json:"result"`
		}
		if json.Unmarshal(res, &ev) == nil {
			title = ev.Result.Value
		}
	}

	// large pages take a while to serialize
	res, err := d.cmd.SendAndWait(ctx, "DOMSnapshot.captureSnapshot", map[string]any{
		"computedStyles":                 computedStyleProps,
		"includeDOMRects":                true,
		"includePaintOrder":              false,
		"includeBlendedBackgroundColors": false,
		"includeTextColorOpacities":      false,
	}, 30*time.Second)
	if err != nil {
		if !proto.IsStaleContext(err) {
			d.logger.Warn("dommon: capture failed", "url", url, "error", err)
		}
		return
	}
	var snap struct {
		Documents json.RawMessage `json:"documents"`
		Strings   json.RawMessage `json:"strings"`
	}
	if err := json.Unmarshal(res, &snap); err != nil {
		d.logger.Warn("dommon: bad snapshot reply", "error", err)
		return
	}

	d.mu.Lock()
	d.captured++
	d.mu.Unlock()
	d.emit(event.CategoryDOMSnapshot, &event.DOMSnapshot{
		Timestamp:      nowUnix(),
		URL:            url,
		Title:          title,
		Documents:      snap.Documents,
		Strings:        snap.Strings,
		ComputedStyles: computedStyleProps,
	})
}

func (d *DOMSnapshot) Summary() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{"snapshots": d.captured}
}

var _ Monitor = (*DOMSnapshot)(nil)

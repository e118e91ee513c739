package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// WindowPropsConfig tunes the property flattening walks.
type WindowPropsConfig struct {
	Interval        time.Duration // minimum gap between periodic walks
	WalkTimeout     time.Duration // per round trip inside a walk
	TopLevelTimeout time.Duration // for the top-level enumeration
	MaxDepth        int
}

type histEntry struct {
	Value any    `json:"value"`
	URL   string `json:"url"`
}

type propHistory struct {
	Path   string      `json:"path"`
	Values []histEntry `json:"values"`
}

// WindowProps periodically flattens the page's global namespace into
// dot-path keyed values, filtered of native platform objects, and emits
// deltas against the previous pass. At most one walk runs at a time; a
// navigation mid-walk sets the abort flag and defers a fresh walk until
// the running one unwinds.
type WindowProps struct {
	cmd    Commands
	emit   EmitFunc
	logger *slog.Logger
	cfg    WindowPropsConfig

	// abort is checked at every round-trip boundary inside a walk.
	abort atomic.Bool

	mu          sync.Mutex
	history     map[string]*propHistory
	lastSeen    map[string]struct{}
	walking     bool
	pendingNav  bool
	pageReady   bool
	navDetected bool
	lastWalk    time.Time
	walks       int
}

// NewWindowProps creates the window property monitor.
func NewWindowProps(cmd Commands, emit EmitFunc, logger *slog.Logger, cfg WindowPropsConfig) *WindowProps {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.WalkTimeout <= 0 {
		cfg.WalkTimeout = 500 * time.Millisecond
	}
	if cfg.TopLevelTimeout <= 0 {
		cfg.TopLevelTimeout = time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	return &WindowProps{
		cmd:      cmd,
		emit:     emit,
		logger:   logger,
		cfg:      cfg,
		history:  map[string]*propHistory{},
		lastSeen: map[string]struct{}{},
	}
}

func (w *WindowProps) Name() string { return "window_properties" }

// Setup enables Page and Runtime and probes whether the page is already
// loaded, so an attach to a settled page still collects.
func (w *WindowProps) Setup(ctx context.Context) error {
	if err := w.cmd.EnableDomain(ctx, "Page", nil, true); err != nil {
		return err
	}
	if err := w.cmd.EnableDomain(ctx, "Runtime", nil, true); err != nil {
		return err
	}
	res, err := w.cmd.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.readyState",
		"returnByValue": true,
	}, w.cfg.WalkTimeout)
	if err == nil {
		var ev struct {
			Result struct {
				Value string `json:"value"`
			} `json:"result"`
		}
		if json.Unmarshal(res, &ev) == nil && ev.Result.Value == "complete" {
			w.mu.Lock()
			w.pageReady = true
			w.mu.Unlock()
		}
	}
	return nil
}

func (w *WindowProps) HandleEvent(f *proto.Frame) bool {
	switch f.Method {
	case "Runtime.executionContextsCleared":
		w.mu.Lock()
		w.pageReady = false
		w.navDetected = true
		if w.walking {
			w.abort.Store(true)
			w.pendingNav = true
		}
		w.mu.Unlock()
		return true
	case "Page.frameNavigated", "Page.domContentEventFired", "Page.loadEventFired":
		w.onNavigationMilestone()
		return true
	}
	return false
}

func (w *WindowProps) ClaimReply(*proto.Frame) bool { return false }

func (w *WindowProps) onNavigationMilestone() {
	w.mu.Lock()
	w.pageReady = true
	w.navDetected = true
	if w.walking {
		w.pendingNav = true
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.startWalk()
}

// CheckAndCollect runs from the session's collection ticker: walk when a
// navigation happened or the interval elapsed, never overlapping.
func (w *WindowProps) CheckAndCollect() {
	w.mu.Lock()
	if !w.pageReady || w.walking {
		w.mu.Unlock()
		return
	}
	due := w.navDetected || time.Since(w.lastWalk) >= w.cfg.Interval
	if !due {
		w.mu.Unlock()
		return
	}
	w.navDetected = false
	w.lastWalk = time.Now()
	w.mu.Unlock()
	w.startWalk()
}

// ForceCollect starts a walk immediately. A request racing an in-flight
// walk coalesces into it.
func (w *WindowProps) ForceCollect() {
	w.startWalk()
}

func (w *WindowProps) startWalk() {
	w.mu.Lock()
	if w.walking {
		w.mu.Unlock()
		return
	}
	w.walking = true
	w.walks++
	w.mu.Unlock()
	go w.runWalk()
}

func (w *WindowProps) runWalk() {
	w.abort.Store(false)
	w.collect()

	w.mu.Lock()
	w.walking = false
	rerun := w.pendingNav
	w.pendingNav = false
	w.mu.Unlock()
	w.abort.Store(false)

	if rerun {
		// let the new page settle before walking it
		time.Sleep(500 * time.Millisecond)
		w.mu.Lock()
		w.navDetected = true
		w.mu.Unlock()
		w.startWalk()
	}
}

// collect performs one full flattening pass. Timeouts and stale-context
// errors abort the pass silently; they are the normal outcome of racing
// a navigation.
func (w *WindowProps) collect() {
	ctx := context.Background()

	// probe that the runtime answers at all before the expensive part
	if _, err := w.cmd.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "1+1",
		"returnByValue": true,
	}, w.cfg.WalkTimeout); err != nil {
		return
	}
	if w.abort.Load() {
		return
	}

	url := w.cmd.CurrentURL(ctx)
	if url == "" {
		url = "unknown"
	}
	if w.abort.Load() {
		return
	}

	res, err := w.cmd.SendAndWait(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "window",
		"returnByValue": false,
	}, w.cfg.WalkTimeout)
	if err != nil {
		return
	}
	var win struct {
		Result struct {
			ObjectID string `json:"objectId"`
		} `json:"result"`
	}
	if json.Unmarshal(res, &win) != nil || win.Result.ObjectID == "" {
		return
	}
	if w.abort.Load() {
		return
	}

	props, err := w.getProperties(ctx, win.Result.ObjectID, w.cfg.TopLevelTimeout)
	if err != nil {
		w.walkError(err, "window")
		return
	}

	flat := map[string]any{}
	for _, p := range props {
		if w.abort.Load() {
			return
		}
		if !isApplicationObject(p.Value.ClassName, p.Name) {
			continue
		}
		w.flattenValue(ctx, p, p.Name, flat, map[string]bool{}, 0)
	}
	if w.abort.Load() {
		return
	}
	w.applyDiff(url, flat)
}

type remoteProp struct {
	Name  string `json:"name"`
	Value struct {
		Type      string          `json:"type"`
		Subtype   string          `json:"subtype"`
		ClassName string          `json:"className"`
		ObjectID  string          `json:"objectId"`
		Value     json.RawMessage `json:"value"`
	} `json:"value"`
}

func (w *WindowProps) getProperties(ctx context.Context, objectID string, timeout time.Duration) ([]remoteProp, error) {
	res, err := w.cmd.SendAndWait(ctx, "Runtime.getProperties", map[string]any{
		"objectId":      objectID,
		"ownProperties": true,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var out struct {
		Result []remoteProp `json:"result"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// flattenValue records one property under path and descends into nested
// application objects up to the depth bound. visited is copied per
// descent so sibling branches resolve independently.
func (w *WindowProps) flattenValue(ctx context.Context, p remoteProp, path string, flat map[string]any, visited map[string]bool, depth int) {
	switch p.Value.Type {
	case "string", "number", "boolean":
		flat[path] = rawToAny(p.Value.Value)
	case "function", "symbol":
		// skip
	case "object":
		if p.Value.Subtype == "null" {
			flat[path] = nil
			return
		}
		if p.Value.ObjectID == "" {
			return
		}
		w.resolveObject(ctx, p.Value.ObjectID, path, flat, visited, depth+1)
	default:
		if len(p.Value.Value) > 0 {
			flat[path] = rawToAny(p.Value.Value)
		}
	}
}

func (w *WindowProps) resolveObject(ctx context.Context, objectID, basePath string, flat map[string]any, visited map[string]bool, depth int) {
	if w.abort.Load() || depth > w.cfg.MaxDepth || visited[objectID] {
		return
	}
	visited[objectID] = true

	props, err := w.getProperties(ctx, objectID, w.cfg.WalkTimeout)
	if err != nil {
		w.walkError(err, basePath)
		return
	}
	if w.abort.Load() {
		return
	}
	for _, p := range props {
		if w.abort.Load() {
			return
		}
		appObj := isApplicationObject(p.Value.ClassName, p.Name)
		if !appObj {
			continue
		}
		branch := make(map[string]bool, len(visited))
		for k := range visited {
			branch[k] = true
		}
		w.flattenValue(ctx, p, basePath+"."+p.Name, flat, branch, depth)
	}
}

// walkError swallows the expected walk failures (timeout, destroyed
// context) and logs anything else at debug.
func (w *WindowProps) walkError(err error, path string) {
	if errors.Is(err, proto.ErrTimeout) || proto.IsStaleContext(err) {
		return
	}
	w.logger.Debug("winprops: resolve failed", "path", path, "error", err)
}

// applyDiff compares the fresh flattening against history: unseen paths
// are added, changed values appended, and paths seen last pass but absent
// now get a null tombstone append (never two consecutive tombstones).
func (w *WindowProps) applyDiff(url string, flat map[string]any) {
	w.mu.Lock()
	var changes []event.PropertyChange
	current := make(map[string]struct{}, len(flat))
	for path, value := range flat {
		current[path] = struct{}{}
		h, ok := w.history[path]
		if !ok {
			w.history[path] = &propHistory{Path: path, Values: []histEntry{{Value: value, URL: url}}}
			changes = append(changes, event.PropertyChange{Path: path, Value: value, ChangeType: event.PropertyAdded})
			continue
		}
		if !reflect.DeepEqual(h.Values[len(h.Values)-1].Value, value) {
			h.Values = append(h.Values, histEntry{Value: value, URL: url})
			changes = append(changes, event.PropertyChange{Path: path, Value: value, ChangeType: event.PropertyChanged})
		}
	}
	for path := range w.lastSeen {
		if _, still := current[path]; still {
			continue
		}
		h, ok := w.history[path]
		if !ok || h.Values[len(h.Values)-1].Value == nil {
			continue
		}
		h.Values = append(h.Values, histEntry{Value: nil, URL: url})
		changes = append(changes, event.PropertyChange{Path: path, Value: nil, ChangeType: event.PropertyDeleted})
	}
	w.lastSeen = current
	totalKeys := len(w.history)
	w.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	w.emit(event.CategoryWindowProperty, &event.PropertyUpdate{
		Timestamp: nowUnix(),
		URL:       url,
		Changes:   changes,
		TotalKeys: totalKeys,
	})
}

// WaitIdle blocks until no walk is running or ctx expires. The finalizer
// uses it to let a forced collection land before sinks close.
func (w *WindowProps) WaitIdle(ctx context.Context) {
	for {
		w.mu.Lock()
		walking := w.walking
		w.mu.Unlock()
		if !walking {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// History returns the append-only value history for a path. Used by
// summaries and tests.
func (w *WindowProps) History(path string) []histEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.history[path]
	if !ok {
		return nil
	}
	return append([]histEntry(nil), h.Values...)
}

func (w *WindowProps) Summary() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := 0
	for _, h := range w.history {
		entries += len(h.Values)
	}
	return map[string]any{
		"total_keys":      len(w.history),
		"history_entries": entries,
		"walks":           w.walks,
	}
}

func rawToAny(raw json.RawMessage) any {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	return v
}

// Native platform filtering. The walk wants application state, not the
// browser's own API surface.
var nativeClassPrefixes = []string{
	"HTML", "SVG", "MathML", "RTC", "IDB", "Media", "Audio", "Video",
	"WebGL", "Canvas", "Crypto", "File", "Blob", "Form", "Input",
	"Mutation", "Intersection", "Resize", "Performance", "Navigation",
	"Storage", "Location", "History", "Navigator", "Screen", "Window",
	"Document", "Element", "Node", "Event", "Promise", "Array",
	"String", "Number", "Boolean", "Date", "RegExp", "Error", "Function",
	"Map", "Set", "WeakMap", "WeakSet", "Proxy", "Reflect", "Symbol",
	"Intl", "JSON", "Math", "Console", "TextEncoder", "TextDecoder",
	"ReadableStream", "WritableStream", "TransformStream", "AbortController",
	"URL", "URLSearchParams", "Headers", "Request", "Response", "Fetch",
	"Worker", "SharedWorker", "ServiceWorker", "BroadcastChannel",
	"MessageChannel", "MessagePort", "ImageData", "ImageBitmap",
	"OffscreenCanvas", "Path2D", "CanvasGradient", "CanvasPattern",
	"Geolocation", "Notification", "PushManager", "Cache", "IndexedDB",
}

var nativeNamePrefixes = []string{"HTML", "SVG", "RTC", "IDB", "WebGL", "Media", "Audio", "Video"}

var nativeGlobals = map[string]bool{
	"window": true, "self": true, "top": true, "parent": true, "frames": true,
	"document": true, "navigator": true, "location": true, "history": true,
	"screen": true, "console": true, "localStorage": true, "sessionStorage": true,
	"indexedDB": true, "caches": true, "performance": true, "fetch": true,
	"XMLHttpRequest": true, "WebSocket": true, "Blob": true, "File": true,
	"FileReader": true, "FormData": true, "URL": true, "URLSearchParams": true,
	"Headers": true, "Request": true, "Response": true, "AbortController": true,
	"Event": true, "CustomEvent": true, "Promise": true, "Map": true, "Set": true,
	"WeakMap": true, "WeakSet": true, "Proxy": true, "Reflect": true,
	"Symbol": true, "Intl": true, "JSON": true, "Math": true, "Date": true,
	"RegExp": true, "Error": true, "Array": true, "String": true, "Number": true,
	"Boolean": true, "Object": true, "Function": true, "ArrayBuffer": true,
	"DataView": true, "Int8Array": true, "Uint8Array": true, "Int16Array": true,
	"Uint16Array": true, "Int32Array": true, "Uint32Array": true,
	"Float32Array": true, "Float64Array": true,
}

// isApplicationObject reports whether a global looks like application
// state rather than a native platform object.
func isApplicationObject(className, name string) bool {
	if name == "" {
		return false
	}
	for _, prefix := range nativeClassPrefixes {
		if className != "" && strings.HasPrefix(className, prefix) {
			return false
		}
	}
	for _, prefix := range nativeNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return !nativeGlobals[name]
}

var _ Monitor = (*WindowProps)(nil)

package proto

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// newTestPeer starts a websocket endpoint driven by handle and returns a
// connected client with the given handlers registered and its read loop
// running.
func newTestPeer(t *testing.T, handle func(conn *websocket.Conn), handlers ...FrameHandler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	for _, h := range handlers {
		c.RegisterHandler(h)
	}
	go c.ReadLoop(context.Background())
	return c
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	if _, raw, err := conn.ReadMessage(); err == nil {
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Errorf("peer: bad frame: %v", err)
		}
	}
	return f
}

func writeJSON(conn *websocket.Conn, v any) {
	raw, _ := json.Marshal(v)
	conn.WriteMessage(websocket.TextMessage, raw)
}

func TestSendAndWaitOutOfOrderReplies(t *testing.T) {
	c := newTestPeer(t, func(conn *websocket.Conn) {
		first := readFrame(t, conn)
		second := readFrame(t, conn)
		writeJSON(conn, map[string]any{"id": second.ID, "result": map[string]any{"n": 2}})
		writeJSON(conn, map[string]any{"id": first.ID, "result": map[string]any{"n": 1}})
		time.Sleep(time.Second)
	})

	type res struct {
		raw json.RawMessage
		err error
	}
	ch1 := make(chan res, 1)
	go func() {
		raw, err := c.SendAndWait(context.Background(), "Browser.getVersion", nil, time.Second)
		ch1 <- res{raw, err}
	}()
	// Order the two sends deterministically.
	time.Sleep(50 * time.Millisecond)
	raw2, err := c.SendAndWait(context.Background(), "Target.getTargets", nil, time.Second)
	if err != nil {
		t.Fatalf("second command: %v", err)
	}
	r1 := <-ch1
	if r1.err != nil {
		t.Fatalf("first command: %v", r1.err)
	}
	var n struct {
		N int `json:"n"`
	}
	json.Unmarshal(r1.raw, &n)
	if n.N != 1 {
		t.Errorf("first reply n = %d, want 1", n.N)
	}
	json.Unmarshal(raw2, &n)
	if n.N != 2 {
		t.Errorf("second reply n = %d, want 2", n.N)
	}
}

func TestSendAndWaitTimeoutCleansPending(t *testing.T) {
	c := newTestPeer(t, func(conn *websocket.Conn) {
		readFrame(t, conn)
		time.Sleep(time.Second)
	})
	_, err := c.SendAndWait(context.Background(), "Browser.getVersion", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	c.pendingMu.Lock()
	n := len(c.pending)
	c.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table holds %d entries after timeout, want 0", n)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	c := newTestPeer(t, func(conn *websocket.Conn) {
		readFrame(t, conn)
		conn.Close()
	})
	_, err := c.SendAndWait(context.Background(), "Browser.getVersion", nil, 2*time.Second)
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", err)
	}
}

func TestCommandErrorAndStaleContext(t *testing.T) {
	c := newTestPeer(t, func(conn *websocket.Conn) {
		f := readFrame(t, conn)
		writeJSON(conn, map[string]any{"id": f.ID, "error": map[string]any{
			"code": -32000, "message": "Cannot find context with specified id",
		}})
		time.Sleep(time.Second)
	})
	_, err := c.SendAndWait(context.Background(), "Runtime.evaluate", nil, time.Second)
	if err == nil {
		t.Fatal("want error")
	}
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Code != -32000 {
		t.Fatalf("err = %v, want CommandError -32000", err)
	}
	if !IsStaleContext(err) {
		t.Error("IsStaleContext = false for destroyed-context error")
	}
	if IsStaleContext(ErrTimeout) {
		t.Error("IsStaleContext = true for timeout")
	}
}

func TestEnableDomainOnce(t *testing.T) {
	var enables atomic.Int64
	c := newTestPeer(t, func(conn *websocket.Conn) {
		for {
			f := readFrame(t, conn)
			if f.Method == "" {
				return
			}
			if f.Method == "Network.enable" {
				enables.Add(1)
			}
			writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{}})
		}
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.EnableDomain(ctx, "Network", nil, true); err != nil {
			t.Fatalf("enable #%d: %v", i, err)
		}
	}
	if got := enables.Load(); got != 1 {
		t.Errorf("Network.enable sent %d times, want 1", got)
	}
	if !c.DomainEnabled("Network") {
		t.Error("DomainEnabled(Network) = false after enable")
	}
}

func TestEnableDomainFailureNotRecorded(t *testing.T) {
	var enables atomic.Int64
	c := newTestPeer(t, func(conn *websocket.Conn) {
		for {
			f := readFrame(t, conn)
			if f.Method == "" {
				return
			}
			n := enables.Add(1)
			if n == 1 {
				writeJSON(conn, map[string]any{"id": f.ID, "error": map[string]any{"code": -32601, "message": "nope"}})
			} else {
				writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{}})
			}
		}
	})
	ctx := context.Background()
	if err := c.EnableDomain(ctx, "Fetch", nil, true); err == nil {
		t.Fatal("first enable should fail")
	}
	if c.DomainEnabled("Fetch") {
		t.Fatal("failed enable must not be recorded")
	}
	if err := c.EnableDomain(ctx, "Fetch", nil, true); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got := enables.Load(); got != 2 {
		t.Errorf("Fetch.enable sent %d times, want 2", got)
	}
}

func TestSessionAttachFirstWriterWins(t *testing.T) {
	c := newTestPeer(t, func(conn *websocket.Conn) {
		writeJSON(conn, map[string]any{
			"method": "Target.attachedToTarget",
			"params": map[string]any{
				"sessionId":  "SES-PUSH",
				"targetInfo": map[string]any{"targetId": "T1", "type": "page", "url": "https://a.example"},
			},
		})
		for {
			f := readFrame(t, conn)
			switch f.Method {
			case "Target.getTargets":
				writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{
					"targetInfos": []map[string]any{{"targetId": "T1", "type": "page", "url": "https://a.example"}},
				}})
			case "Target.attachToTarget":
				writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{"sessionId": "SES-RESOLVED"}})
			case "":
				return
			default:
				writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{}})
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sid, err := c.WaitSessionID(ctx)
	if err != nil {
		t.Fatalf("wait session: %v", err)
	}
	if sid != "SES-PUSH" {
		t.Fatalf("session = %q, want pushed SES-PUSH", sid)
	}
	// A later explicit resolve must not displace the pushed session.
	if _, err := c.ResolveSession(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := c.SessionID(); got != "SES-PUSH" {
		t.Errorf("session after resolve = %q, want SES-PUSH", got)
	}
}

func TestPageCommandCarriesSession(t *testing.T) {
	got := make(chan string, 1)
	c := newTestPeer(t, func(conn *websocket.Conn) {
		f := readFrame(t, conn)
		got <- f.SessionID
		writeJSON(conn, map[string]any{"id": f.ID, "result": map[string]any{}, "sessionId": f.SessionID})
		time.Sleep(time.Second)
	})
	c.setSession("SES-1", "https://a.example")
	if _, err := c.SendAndWait(context.Background(), "Page.enable", nil, time.Second); err != nil {
		t.Fatalf("Page.enable: %v", err)
	}
	if sid := <-got; sid != "SES-1" {
		t.Errorf("sessionId on wire = %q, want SES-1", sid)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	events  []string
	swallow map[string]bool
}

func (h *recordingHandler) HandleEvent(f *Frame) bool {
	h.mu.Lock()
	h.events = append(h.events, f.Method)
	h.mu.Unlock()
	return h.swallow[f.Method]
}

func (h *recordingHandler) ClaimReply(f *Frame) bool { return false }

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func TestDispatchPrecedence(t *testing.T) {
	done := make(chan struct{})
	first := &recordingHandler{swallow: map[string]bool{"Network.requestWillBeSent": true}}
	second := &recordingHandler{}
	newTestPeer(t, func(conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"method": "Network.requestWillBeSent", "params": map[string]any{}})
		writeJSON(conn, map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})
		<-done
	}, first, second)
	defer close(done)

	deadline := time.After(2 * time.Second)
	for len(second.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("second handler saw %v, first saw %v", second.seen(), first.seen())
		case <-time.After(10 * time.Millisecond):
		}
	}
	for _, m := range second.seen() {
		if m == "Network.requestWillBeSent" {
			t.Error("swallowed event reached the second handler")
		}
	}
	found := false
	for _, m := range first.seen() {
		if m == "Network.requestWillBeSent" {
			found = true
		}
	}
	if !found {
		t.Error("first handler never saw the swallowed event")
	}
}

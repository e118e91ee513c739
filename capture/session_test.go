package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/bluebox/capture/event"
)

type wireFrame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// fakeBrowser speaks just enough of the protocol for a session to attach,
// set up its monitors and observe one transaction.
func fakeBrowser(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			result := json.RawMessage(`{}`)
			switch f.Method {
			case "Target.getTargets":
				result = json.RawMessage(`{"targetInfos": [{"targetId": "T1", "type": "page", "url": "https://example.com"}]}`)
			case "Target.attachToTarget":
				result = json.RawMessage(`{"sessionId": "S1"}`)
			case "Fetch.getResponseBody":
				result = json.RawMessage(`{"body": "{\"ok\": true}", "base64Encoded": false}`)
			}
			if f.ID != 0 {
				conn.WriteJSON(wireFrame{ID: f.ID, Result: result, SessionID: f.SessionID})
			}
			// The last setup command: once seen, replay one transaction.
			if f.Method == "Runtime.evaluate" && strings.Contains(string(f.Params), "addEventListener") {
				push := func(method string, params string) {
					conn.WriteJSON(wireFrame{Method: method, Params: json.RawMessage(params), SessionID: "S1"})
				}
				push("Network.requestWillBeSent", `{
					"requestId": "r1", "type": "XHR",
					"request": {"url": "https://example.com/api/cart", "method": "GET",
						"headers": {"Accept": "application/json"}}
				}`)
				push("Network.responseReceived", `{
					"requestId": "r1",
					"response": {"url": "https://example.com/api/cart", "status": 200,
						"statusText": "OK", "mimeType": "application/json",
						"headers": {"Content-Type": "application/json"}}
				}`)
				push("Network.loadingFinished", `{"requestId": "r1"}`)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionCapturesAndFinalizes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Browser.ConnectURL = fakeBrowser(t)
	cfg.Output.Dir = dir
	cfg.Output.HAR = true

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Wait for the transaction to land in the JSONL log, then stop.
	eventsPath := filepath.Join(dir, "network", "events.jsonl")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if data, err := os.ReadFile(eventsPath); err == nil && len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transaction never reached the JSONL log")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	// The finalizer writes the consolidated documents and the summary.
	for _, rel := range []string{
		"network/consolidated_transactions.json",
		"network/network.har",
		"interaction/consolidated_interactions.json",
		"session_summary.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("%s not written: %v", rel, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "network", "consolidated_transactions.json"))
	if err != nil {
		t.Fatal(err)
	}
	var consolidated map[string]event.Transaction
	if err := json.Unmarshal(data, &consolidated); err != nil {
		t.Fatal(err)
	}
	tx, ok := consolidated["r1"]
	if !ok {
		t.Fatalf("consolidated ids = %v, want r1", consolidated)
	}
	if tx.Status != 200 || tx.URL != "https://example.com/api/cart" {
		t.Errorf("tx = %+v", tx)
	}

	var summary map[string]any
	data, err = os.ReadFile(filepath.Join(dir, "session_summary.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary["session_id"] != s.ID() {
		t.Errorf("summary session_id = %v, want %s", summary["session_id"], s.ID())
	}
	monitors, _ := summary["monitors"].(map[string]any)
	for _, name := range []string{"network", "storage", "window_properties", "interaction", "dom_snapshot"} {
		if _, ok := monitors[name]; !ok {
			t.Errorf("summary missing monitor %s", name)
		}
	}
}

func TestSessionNoBrowserConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Dir = t.TempDir()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected an error without a browser")
	}
}

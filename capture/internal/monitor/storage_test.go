package monitor

import (
	"testing"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
)

func newTestStorage(t *testing.T) (*Storage, *fakeCmd, *collector, *time.Time) {
	t.Helper()
	cmd := newFakeCmd()
	col := &collector{}
	s := NewStorage(cmd, col.emit, testLogger(), StorageConfig{CookieDebounce: 500 * time.Millisecond})
	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return clock }
	return s, cmd, col, &clock
}

func TestStorageInitialSnapshotEmittedEvenWhenEmpty(t *testing.T) {
	s, cmd, col, _ := newTestStorage(t)

	s.CheckCookies(false)
	gets := cmd.calls("Network.getAllCookies")
	if len(gets) != 1 {
		t.Fatalf("getAllCookies calls = %d, want 1", len(gets))
	}
	if !s.ClaimReply(replyFrame(t, gets[0].ID, map[string]any{"cookies": []event.Cookie{}})) {
		t.Fatal("reply not claimed")
	}

	recs := col.all()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	sc := recs[0].Rec.(*event.StorageChange)
	if sc.Type != event.StorageInitialCookies {
		t.Errorf("type = %s", sc.Type)
	}
	if len(sc.Cookies) != 0 {
		t.Errorf("cookies = %v, want empty snapshot", sc.Cookies)
	}
}

func TestStorageCookieDiff(t *testing.T) {
	s, cmd, col, clock := newTestStorage(t)

	s.CheckCookies(false)
	gets := cmd.calls("Network.getAllCookies")
	s.ClaimReply(replyFrame(t, gets[0].ID, map[string]any{"cookies": []event.Cookie{
		{Name: "sid", Value: "a1", Domain: "example.com"},
		{Name: "theme", Value: "dark", Domain: "example.com"},
	}}))

	// An unchanged second pass must not emit anything.
	*clock = clock.Add(time.Second)
	s.CheckCookies(false)
	gets = cmd.calls("Network.getAllCookies")
	s.ClaimReply(replyFrame(t, gets[1].ID, map[string]any{"cookies": []event.Cookie{
		{Name: "sid", Value: "a1", Domain: "example.com"},
		{Name: "theme", Value: "dark", Domain: "example.com"},
	}}))
	if recs := col.all(); len(recs) != 1 {
		t.Fatalf("unchanged pass emitted, have %d records", len(recs))
	}

	// Third pass: sid rotated, theme gone, lang added.
	*clock = clock.Add(time.Second)
	s.CheckCookies(false)
	gets = cmd.calls("Network.getAllCookies")
	s.ClaimReply(replyFrame(t, gets[2].ID, map[string]any{"cookies": []event.Cookie{
		{Name: "sid", Value: "b2", Domain: "example.com"},
		{Name: "lang", Value: "fr", Domain: "example.com"},
	}}))

	recs := col.all()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	sc := recs[1].Rec.(*event.StorageChange)
	if sc.Type != event.StorageCookieChange {
		t.Fatalf("type = %s", sc.Type)
	}
	if len(sc.Added) != 1 || sc.Added[0].Name != "lang" {
		t.Errorf("added = %v", sc.Added)
	}
	if len(sc.Removed) != 1 || sc.Removed[0].Name != "theme" {
		t.Errorf("removed = %v", sc.Removed)
	}
	if len(sc.Modified) != 1 || sc.Modified[0].New.Value != "b2" || sc.Modified[0].Old.Value != "a1" {
		t.Errorf("modified = %v", sc.Modified)
	}
}

func TestStorageDebounceDropsNotDefers(t *testing.T) {
	s, cmd, _, clock := newTestStorage(t)

	s.CheckCookies(false)
	*clock = clock.Add(100 * time.Millisecond)
	s.CheckCookies(false)
	*clock = clock.Add(100 * time.Millisecond)
	s.CheckCookies(false)
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 1 {
		t.Fatalf("debounced triggers produced %d polls, want 1", len(gets))
	}

	// force bypasses the window, for final sync.
	s.CheckCookies(true)
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 2 {
		t.Fatalf("forced trigger did not poll, have %d", len(gets))
	}

	// Outside the window, triggers poll again.
	*clock = clock.Add(time.Second)
	s.CheckCookies(false)
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 3 {
		t.Fatalf("post-window trigger did not poll, have %d", len(gets))
	}
}

func TestStorageSetCookieHeaderTriggersPoll(t *testing.T) {
	s, cmd, _, clock := newTestStorage(t)

	s.HandleEvent(eventFrame(t, "Network.responseReceivedExtraInfo", map[string]any{
		"requestId": "r1",
		"headers":   map[string]string{"Set-Cookie": "sid=1"},
	}))
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 1 {
		t.Fatalf("extraInfo set-cookie polls = %d, want 1", len(gets))
	}

	*clock = clock.Add(time.Second)
	s.HandleEvent(eventFrame(t, "Fetch.requestPaused", map[string]any{
		"requestId":          "F1",
		"responseStatusCode": 200,
		"responseHeaders":    []map[string]string{{"name": "Set-Cookie", "value": "x=1"}},
	}))
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 2 {
		t.Fatalf("paused set-cookie polls = %d, want 2", len(gets))
	}

	// A response without Set-Cookie must not poll.
	*clock = clock.Add(time.Second)
	s.HandleEvent(eventFrame(t, "Network.responseReceived", map[string]any{
		"requestId": "r2",
		"response":  map[string]any{"headers": map[string]string{"Content-Type": "text/html"}},
	}))
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 2 {
		t.Fatalf("cookie-less response polled, have %d", len(gets))
	}

	// Console output mentioning cookies is a trigger too.
	*clock = clock.Add(time.Second)
	s.HandleEvent(eventFrame(t, "Runtime.consoleAPICalled", map[string]any{
		"type": "log",
		"args": []map[string]any{{"type": "string", "value": "document.cookie updated"}},
	}))
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 3 {
		t.Fatalf("console cookie mention polls = %d, want 3", len(gets))
	}

	*clock = clock.Add(time.Second)
	s.HandleEvent(eventFrame(t, "Runtime.consoleAPICalled", map[string]any{
		"type": "log",
		"args": []map[string]any{{"type": "string", "value": "cart rendered"}},
	}))
	if gets := cmd.calls("Network.getAllCookies"); len(gets) != 3 {
		t.Fatalf("unrelated console message polled, have %d", len(gets))
	}
}

func TestStorageDOMStorageEvents(t *testing.T) {
	s, _, col, _ := newTestStorage(t)

	storageID := map[string]any{"securityOrigin": "https://example.com", "isLocalStorage": true}
	s.HandleEvent(eventFrame(t, "DOMStorage.domStorageItemAdded", map[string]any{
		"storageId": storageID, "key": "cart", "newValue": "[]",
	}))
	s.HandleEvent(eventFrame(t, "DOMStorage.domStorageItemUpdated", map[string]any{
		"storageId": storageID, "key": "cart", "oldValue": "[]", "newValue": "[7]",
	}))
	s.HandleEvent(eventFrame(t, "DOMStorage.domStorageItemRemoved", map[string]any{
		"storageId": storageID, "key": "cart",
	}))
	s.HandleEvent(eventFrame(t, "DOMStorage.domStorageItemsCleared", map[string]any{
		"storageId": map[string]any{"securityOrigin": "https://example.com", "isLocalStorage": false},
	}))

	recs := col.all()
	want := []event.StorageChangeType{
		event.StorageLocalItemAdded,
		event.StorageLocalItemUpdated,
		event.StorageLocalItemRemoved,
		event.StorageSessionCleared,
	}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, w := range want {
		sc := recs[i].Rec.(*event.StorageChange)
		if sc.Type != w {
			t.Errorf("record %d type = %s, want %s", i, sc.Type, w)
		}
		if sc.Origin != "https://example.com" {
			t.Errorf("record %d origin = %s", i, sc.Origin)
		}
	}
	if recs[1].Rec.(*event.StorageChange).OldValue != "[]" {
		t.Error("update lost old value")
	}
}

func TestStorageIndexedDBEvent(t *testing.T) {
	s, _, col, _ := newTestStorage(t)
	s.HandleEvent(eventFrame(t, "IndexedDB.databaseCreated", map[string]any{
		"securityOrigin": "https://example.com",
		"databaseName":   "orders",
	}))
	recs := col.all()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	sc := recs[0].Rec.(*event.StorageChange)
	if sc.Type != event.StorageIndexedDBEvent || sc.DatabaseName != "orders" {
		t.Errorf("record = %+v", sc)
	}
}

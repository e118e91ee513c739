package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// StorageConfig tunes cookie reconciliation.
type StorageConfig struct {
	CookieDebounce time.Duration
}

// Storage tracks cookies and DOM storage through native protocol events,
// with no page-side injection. Cookies are reconciled by polling
// Network.getAllCookies whenever a signal suggests a write happened;
// local and session storage are driven entirely by push events.
type Storage struct {
	cmd    Commands
	emit   EmitFunc
	logger *slog.Logger
	cfg    StorageConfig

	// now is injectable for debounce tests.
	now func() time.Time

	mu           sync.Mutex
	cookies      map[string]event.Cookie // "domain:name" -> cookie
	local        map[string]map[string]string
	session      map[string]map[string]string
	pendingGets  map[int64]bool // cmd id -> initial pass
	lastCheck    time.Time
	initialAsked bool
	changes      int
}

// NewStorage creates the storage monitor.
func NewStorage(cmd Commands, emit EmitFunc, logger *slog.Logger, cfg StorageConfig) *Storage {
	if cfg.CookieDebounce <= 0 {
		cfg.CookieDebounce = 500 * time.Millisecond
	}
	return &Storage{
		cmd:         cmd,
		emit:        emit,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		cookies:     map[string]event.Cookie{},
		local:       map[string]map[string]string{},
		session:     map[string]map[string]string{},
		pendingGets: map[int64]bool{},
	}
}

func (s *Storage) Name() string { return "storage" }

// Setup enables the storage-related domains. Network and Page are shared
// with other monitors; the enable registry makes the repeats free. The
// initial cookie snapshot waits for the first load milestone, when
// cookies are actually present.
func (s *Storage) Setup(ctx context.Context) error {
	if err := s.cmd.EnableDomain(ctx, "Network", nil, true); err != nil {
		return err
	}
	if err := s.cmd.EnableDomain(ctx, "Runtime", nil, true); err != nil {
		return err
	}
	if err := s.cmd.EnableDomain(ctx, "Page", nil, true); err != nil {
		return err
	}
	if err := s.cmd.EnableDomain(ctx, "DOMStorage", nil, true); err != nil {
		s.logger.Warn("storage: DOMStorage unavailable", "error", err)
	}
	if err := s.cmd.EnableDomain(ctx, "IndexedDB", nil, true); err != nil {
		s.logger.Warn("storage: IndexedDB unavailable", "error", err)
	}
	return nil
}

func (s *Storage) HandleEvent(f *proto.Frame) bool {
	switch f.Method {
	case "Fetch.requestPaused":
		s.onPausedHeaders(f.Params)
		return false
	case "Network.responseReceived":
		s.onResponseHeaders(f.Params)
		return true
	case "Network.responseReceivedExtraInfo":
		s.onExtraInfoHeaders(f.Params)
		return true
	case "Page.frameNavigated":
		s.CheckCookies(false)
		return false
	case "Runtime.consoleAPICalled":
		s.onConsole(f.Params)
		return false
	case "Page.loadEventFired":
		s.CheckCookies(false)
		return false
	case "DOMStorage.domStorageItemAdded":
		s.onItemAdded(f.Params)
		return true
	case "DOMStorage.domStorageItemUpdated":
		s.onItemUpdated(f.Params)
		return true
	case "DOMStorage.domStorageItemRemoved":
		s.onItemRemoved(f.Params)
		return true
	case "DOMStorage.domStorageItemsCleared":
		s.onItemsCleared(f.Params)
		return true
	case "IndexedDB.databaseCreated", "IndexedDB.databaseDeleted":
		s.onIndexedDB(f.Params)
		return true
	}
	return false
}

// onPausedHeaders reacts to Set-Cookie in intercepted response headers.
func (s *Storage) onPausedHeaders(params json.RawMessage) {
	var p struct {
		ResponseStatusCode *int `json:"responseStatusCode"`
		ResponseHeaders    []struct {
			Name string `json:"name"`
		} `json:"responseHeaders"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ResponseStatusCode == nil {
		return
	}
	for _, h := range p.ResponseHeaders {
		if strings.EqualFold(h.Name, "set-cookie") {
			s.CheckCookies(false)
			return
		}
	}
}

// onConsole treats any console message mentioning cookies as a hint
// that page script touched document.cookie.
func (s *Storage) onConsole(params json.RawMessage) {
	var p struct {
		Args []struct {
			Value any `json:"value"`
		} `json:"args"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	for _, a := range p.Args {
		if v, ok := a.Value.(string); ok && strings.Contains(strings.ToLower(v), "cookie") {
			s.CheckCookies(false)
			return
		}
	}
}

func (s *Storage) onResponseHeaders(params json.RawMessage) {
	var p struct {
		Response struct {
			Headers map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if headerValue(p.Response.Headers, "set-cookie") != "" {
		s.CheckCookies(false)
	}
}

func (s *Storage) onExtraInfoHeaders(params json.RawMessage) {
	var p struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if headerValue(p.Headers, "set-cookie") != "" {
		s.CheckCookies(false)
	}
}

// CheckCookies schedules a cookie reconciliation. Triggers inside the
// debounce window are dropped, not deferred; force bypasses the window
// (used by the finalizer).
func (s *Storage) CheckCookies(force bool) {
	s.mu.Lock()
	now := s.now()
	if !force && now.Sub(s.lastCheck) <= s.cfg.CookieDebounce {
		s.mu.Unlock()
		return
	}
	s.lastCheck = now
	initial := !s.initialAsked
	s.mu.Unlock()

	id, err := s.cmd.Send("Network.getAllCookies", nil)
	if err != nil {
		s.logger.Warn("storage: getAllCookies failed", "error", err)
		return
	}
	s.mu.Lock()
	s.initialAsked = true
	s.pendingGets[id] = initial
	s.mu.Unlock()
}

// ClaimReply consumes Network.getAllCookies answers and diffs them
// against the last snapshot. The first pass emits a full snapshot even
// when empty; later passes emit only non-empty diffs.
func (s *Storage) ClaimReply(f *proto.Frame) bool {
	s.mu.Lock()
	initial, ok := s.pendingGets[f.ID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pendingGets, f.ID)
	s.mu.Unlock()

	if f.Error != nil {
		s.logger.Warn("storage: getAllCookies error", "error", f.Error)
		return true
	}
	var res struct {
		Cookies []event.Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil {
		s.logger.Warn("storage: bad getAllCookies reply", "error", err)
		return true
	}

	current := make(map[string]event.Cookie, len(res.Cookies))
	for _, c := range res.Cookies {
		current[c.Domain+":"+c.Name] = c
	}

	s.mu.Lock()
	if initial {
		s.cookies = current
		s.mu.Unlock()
		s.emit(event.CategoryStorage, &event.StorageChange{
			Timestamp: nowUnix(),
			Type:      event.StorageInitialCookies,
			Cookies:   res.Cookies,
		})
		return true
	}

	var added, removed []event.Cookie
	var modified []event.CookiePair
	for key, c := range current {
		prev, seen := s.cookies[key]
		switch {
		case !seen:
			added = append(added, c)
		case prev != c:
			modified = append(modified, event.CookiePair{Old: prev, New: c})
		}
	}
	for key, c := range s.cookies {
		if _, still := current[key]; !still {
			removed = append(removed, c)
		}
	}
	s.cookies = current
	if len(added) == 0 && len(removed) == 0 && len(modified) == 0 {
		s.mu.Unlock()
		return true
	}
	s.changes++
	s.mu.Unlock()
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp: nowUnix(),
		Type:      event.StorageCookieChange,
		Added:     added,
		Removed:   removed,
		Modified:  modified,
	})
	return true
}

// WaitIdle blocks until no cookie poll is outstanding or ctx expires.
func (s *Storage) WaitIdle(ctx context.Context) {
	for {
		s.mu.Lock()
		pending := len(s.pendingGets)
		s.mu.Unlock()
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type domStorageParams struct {
	StorageID struct {
		SecurityOrigin string `json:"securityOrigin"`
		IsLocalStorage bool   `json:"isLocalStorage"`
	} `json:"storageId"`
	Key      string `json:"key"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

func (s *Storage) table(isLocal bool) map[string]map[string]string {
	if isLocal {
		return s.local
	}
	return s.session
}

func storageKind(isLocal bool, suffix string) event.StorageChangeType {
	if isLocal {
		return event.StorageChangeType("localStorage" + suffix)
	}
	return event.StorageChangeType("sessionStorage" + suffix)
}

func (s *Storage) onItemAdded(params json.RawMessage) {
	var p domStorageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	origin, isLocal := p.StorageID.SecurityOrigin, p.StorageID.IsLocalStorage
	s.mu.Lock()
	t := s.table(isLocal)
	if t[origin] == nil {
		t[origin] = map[string]string{}
	}
	t[origin][p.Key] = p.NewValue
	s.changes++
	s.mu.Unlock()
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp: nowUnix(),
		Type:      storageKind(isLocal, "ItemAdded"),
		Origin:    origin,
		Key:       p.Key,
		Value:     p.NewValue,
	})
}

func (s *Storage) onItemUpdated(params json.RawMessage) {
	var p domStorageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	origin, isLocal := p.StorageID.SecurityOrigin, p.StorageID.IsLocalStorage
	s.mu.Lock()
	t := s.table(isLocal)
	if t[origin] == nil {
		t[origin] = map[string]string{}
	}
	t[origin][p.Key] = p.NewValue
	s.changes++
	s.mu.Unlock()
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp: nowUnix(),
		Type:      storageKind(isLocal, "ItemUpdated"),
		Origin:    origin,
		Key:       p.Key,
		Value:     p.NewValue,
		OldValue:  p.OldValue,
	})
}

func (s *Storage) onItemRemoved(params json.RawMessage) {
	var p domStorageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	origin, isLocal := p.StorageID.SecurityOrigin, p.StorageID.IsLocalStorage
	s.mu.Lock()
	if t := s.table(isLocal); t[origin] != nil {
		delete(t[origin], p.Key)
	}
	s.changes++
	s.mu.Unlock()
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp: nowUnix(),
		Type:      storageKind(isLocal, "ItemRemoved"),
		Origin:    origin,
		Key:       p.Key,
	})
}

// onItemsCleared emits a distinct Cleared record rather than synthesizing
// per-key removals; consumers treat it as a whole-origin tombstone.
func (s *Storage) onItemsCleared(params json.RawMessage) {
	var p domStorageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	origin, isLocal := p.StorageID.SecurityOrigin, p.StorageID.IsLocalStorage
	s.mu.Lock()
	delete(s.table(isLocal), origin)
	s.changes++
	s.mu.Unlock()
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp: nowUnix(),
		Type:      storageKind(isLocal, "Cleared"),
		Origin:    origin,
	})
}

func (s *Storage) onIndexedDB(params json.RawMessage) {
	var p struct {
		SecurityOrigin string `json:"securityOrigin"`
		DatabaseName   string `json:"databaseName"`
		ObjectStore    string `json:"objectStoreName"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	s.emit(event.CategoryStorage, &event.StorageChange{
		Timestamp:       nowUnix(),
		Type:            event.StorageIndexedDBEvent,
		Origin:          p.SecurityOrigin,
		DatabaseName:    p.DatabaseName,
		ObjectStoreName: p.ObjectStore,
	})
}

func (s *Storage) Summary() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	localItems, sessionItems := 0, 0
	for _, t := range s.local {
		localItems += len(t)
	}
	for _, t := range s.session {
		sessionItems += len(t)
	}
	return map[string]any{
		"cookies":               len(s.cookies),
		"local_storage_items":   localItems,
		"session_storage_items": sessionItems,
		"changes_emitted":       s.changes,
	}
}

var _ Monitor = (*Storage)(nil)

// Package event defines the structured records emitted by a capture session.
// These are the public API contract: any consumer (sinks, exporters, custom
// pipelines) imports this package to receive and process captured activity.
package event

import "encoding/json"

// Category names the stream a record belongs to. Sinks use it to route
// records to per-category outputs.
type Category string

const (
	CategoryNetwork        Category = "network_transaction"
	CategoryStorage        Category = "storage"
	CategoryWindowProperty Category = "window_property"
	CategoryInteraction    Category = "interaction"
	CategoryDOMSnapshot    Category = "dom_snapshot"
)

// Transaction is one consolidated HTTP exchange: request, response and body
// merged under a single request id regardless of which protocol events
// contributed the pieces.
type Transaction struct {
	Timestamp       float64           `json:"timestamp"`
	RequestID       string            `json:"request_id"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	ResourceType    string            `json:"type,omitempty"`
	Status          int               `json:"status,omitempty"`
	StatusText      string            `json:"status_text,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	PostData        string            `json:"post_data,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	MimeType        string            `json:"mime_type,omitempty"`
	Failed          bool              `json:"failed,omitempty"`
	ErrorText       string            `json:"error_text,omitempty"`
	SetCookies      []string          `json:"set_cookies,omitempty"`
}

// StorageChangeType discriminates storage records.
type StorageChangeType string

const (
	StorageInitialCookies StorageChangeType = "initialCookies"
	StorageCookieChange   StorageChangeType = "cookieChange"

	StorageLocalItemAdded     StorageChangeType = "localStorageItemAdded"
	StorageLocalItemUpdated   StorageChangeType = "localStorageItemUpdated"
	StorageLocalItemRemoved   StorageChangeType = "localStorageItemRemoved"
	StorageLocalCleared       StorageChangeType = "localStorageCleared"
	StorageSessionItemAdded   StorageChangeType = "sessionStorageItemAdded"
	StorageSessionItemUpdated StorageChangeType = "sessionStorageItemUpdated"
	StorageSessionItemRemoved StorageChangeType = "sessionStorageItemRemoved"
	StorageSessionCleared     StorageChangeType = "sessionStorageCleared"

	StorageIndexedDBEvent StorageChangeType = "indexedDBEvent"
)

// Cookie is the subset of CDP cookie fields carried in storage records.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookiePair carries the before/after values of a modified cookie.
type CookiePair struct {
	Old Cookie `json:"old"`
	New Cookie `json:"new"`
}

// StorageChange is one observed mutation of browser storage: cookies,
// localStorage, sessionStorage or IndexedDB.
type StorageChange struct {
	Timestamp float64           `json:"timestamp"`
	Type      StorageChangeType `json:"change_type"`
	URL       string            `json:"url,omitempty"`
	Origin    string            `json:"origin,omitempty"`

	// Cookie payloads.
	Cookies  []Cookie     `json:"cookies,omitempty"`
	Added    []Cookie     `json:"added,omitempty"`
	Removed  []Cookie     `json:"removed,omitempty"`
	Modified []CookiePair `json:"modified,omitempty"`

	// DOM storage payloads.
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	OldValue string `json:"old_value,omitempty"`

	// IndexedDB payloads.
	DatabaseName    string `json:"database_name,omitempty"`
	ObjectStoreName string `json:"object_store_name,omitempty"`
}

// PropertyChangeType discriminates entries in a PropertyUpdate.
type PropertyChangeType string

const (
	PropertyAdded   PropertyChangeType = "added"
	PropertyChanged PropertyChangeType = "changed"
	PropertyDeleted PropertyChangeType = "deleted"
)

// PropertyChange is one delta in the flattened window-property tree.
// Value is nil for deleted paths.
type PropertyChange struct {
	Path       string             `json:"path"`
	Value      any                `json:"value"`
	ChangeType PropertyChangeType `json:"change_type"`
}

// PropertyUpdate is the outcome of one window-property collection pass
// that found differences against the previous pass.
type PropertyUpdate struct {
	Timestamp float64          `json:"timestamp"`
	URL       string           `json:"url"`
	Changes   []PropertyChange `json:"changes"`
	TotalKeys int              `json:"total_keys"`
}

// Element describes the DOM element an interaction targeted. Selector is
// the page-side best-effort stable CSS path; XPath is the structural
// index-path fallback.
type Element struct {
	Tag      string `json:"tag,omitempty"`
	ID       string `json:"id,omitempty"`
	Classes  string `json:"classes,omitempty"`
	Text     string `json:"text,omitempty"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Selector string `json:"selector,omitempty"`
	XPath    string `json:"xpath,omitempty"`
}

// Interaction is one user action reported by the in-page instrumentation:
// a click, input, key press, scroll, form submit or navigation.
type Interaction struct {
	Timestamp float64  `json:"timestamp"`
	Kind      string   `json:"kind"`
	URL       string   `json:"url,omitempty"`
	Element   *Element `json:"element,omitempty"`

	// Input detail.
	Value string `json:"value,omitempty"`
	Key   string `json:"key,omitempty"`

	// Pointer and scroll detail.
	MouseX  float64 `json:"mouse_x,omitempty"`
	MouseY  float64 `json:"mouse_y,omitempty"`
	ScrollX float64 `json:"scroll_x,omitempty"`
	ScrollY float64 `json:"scroll_y,omitempty"`

	// Raw holds the unparsed payload when the page sent something the
	// structured fields cannot represent.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// DOMSnapshot is one full-page capture: flattened document structure plus
// the string table and computed styles CDP returns alongside it.
type DOMSnapshot struct {
	Timestamp      float64         `json:"timestamp"`
	URL            string          `json:"url"`
	Title          string          `json:"title,omitempty"`
	Documents      json.RawMessage `json:"documents,omitempty"`
	Strings        json.RawMessage `json:"strings,omitempty"`
	ComputedStyles []string        `json:"computed_styles,omitempty"`
}

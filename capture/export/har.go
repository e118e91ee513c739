// Package export turns the per-category JSONL logs written during a
// session into the consolidated documents a replayer consumes: an
// id-keyed transaction JSON, a HAR 1.2 archive, a consolidated
// interaction document and the session summary.
package export

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/bluebox/capture/event"
)

// HAR 1.2 structures, camelCase per the published spec.

type HAR struct {
	Log HARLog `json:"log"`
}

type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Browser HARCreator `json:"browser"`
	Pages   []HARPage  `json:"pages"`
	Entries []HAREntry `json:"entries"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type HARPage struct {
	StartedDateTime string         `json:"startedDateTime"`
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	PageTimings     HARPageTimings `json:"pageTimings"`
}

type HARPageTimings struct {
	OnContentLoad int `json:"onContentLoad"`
	OnLoad        int `json:"onLoad"`
}

type HAREntry struct {
	Pageref         string      `json:"pageref"`
	StartedDateTime string      `json:"startedDateTime"`
	Time            int         `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
}

type HARRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	QueryString []HARNameValue `json:"queryString"`
	Cookies     []HARNameValue `json:"cookies"`
	PostData    *HARPostData   `json:"postData,omitempty"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type HARResponse struct {
	Status      int            `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []HARNameValue `json:"headers"`
	Cookies     []HARNameValue `json:"cookies"`
	Content     HARContent     `json:"content"`
	RedirectURL string         `json:"redirectURL"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

type HARTimings struct {
	Blocked int `json:"blocked"`
	DNS     int `json:"dns"`
	Connect int `json:"connect"`
	Send    int `json:"send"`
	Wait    int `json:"wait"`
	Receive int `json:"receive"`
}

type HARNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HARPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

const creatorName = "bluebox"

// BuildHAR converts captured transactions into a HAR 1.2 document with a
// single synthetic page. Failed transactions are included with their
// status as recorded; consumers filter as they see fit.
func BuildHAR(txs []event.Transaction, title string) HAR {
	entries := make([]HAREntry, 0, len(txs))
	for _, tx := range txs {
		entries = append(entries, harEntry(tx))
	}
	return HAR{Log: HARLog{
		Version: "1.2",
		Creator: HARCreator{Name: creatorName, Version: "1.0"},
		Browser: HARCreator{Name: "Chrome DevTools Protocol", Version: "1.0"},
		Pages: []HARPage{{
			StartedDateTime: time.Now().UTC().Format(time.RFC3339),
			ID:              "page_1",
			Title:           title,
			PageTimings:     HARPageTimings{OnContentLoad: -1, OnLoad: -1},
		}},
		Entries: entries,
	}}
}

// WriteHAR reads the transaction JSONL log and writes a HAR file,
// returning the entry count. A missing log produces a valid empty
// archive.
func WriteHAR(eventsPath, harPath, title string) (int, error) {
	txs, err := ReadTransactionLog(eventsPath)
	if err != nil {
		return 0, err
	}
	har := BuildHAR(txs, title)
	if err := writeJSON(harPath, har); err != nil {
		return 0, fmt.Errorf("export: write har: %w", err)
	}
	return len(har.Log.Entries), nil
}

func harEntry(tx event.Transaction) HAREntry {
	started := time.Now().UTC()
	if tx.Timestamp > 0 {
		sec := int64(tx.Timestamp)
		started = time.Unix(sec, int64((tx.Timestamp-float64(sec))*1e9)).UTC()
	}
	req := HARRequest{
		Method:      tx.Method,
		URL:         tx.URL,
		HTTPVersion: "HTTP/1.1",
		Headers:     headerList(tx.RequestHeaders),
		QueryString: queryString(tx.URL),
		Cookies:     cookieHeaderPairs(headerLookup(tx.RequestHeaders, "cookie")),
		HeadersSize: -1,
		BodySize:    len(tx.PostData),
	}
	if tx.PostData != "" {
		mime := headerLookup(tx.RequestHeaders, "content-type")
		if mime == "" {
			mime = "application/x-www-form-urlencoded"
		}
		req.PostData = &HARPostData{MimeType: mime, Text: tx.PostData}
	}
	resp := HARResponse{
		Status:      tx.Status,
		StatusText:  tx.StatusText,
		HTTPVersion: "HTTP/1.1",
		Headers:     headerList(tx.ResponseHeaders),
		Cookies:     setCookiePairs(tx.SetCookies),
		Content: HARContent{
			Size:     len(tx.ResponseBody),
			MimeType: tx.MimeType,
			Text:     tx.ResponseBody,
		},
		RedirectURL: headerLookup(tx.ResponseHeaders, "location"),
		HeadersSize: -1,
		BodySize:    len(tx.ResponseBody),
	}
	return HAREntry{
		Pageref:         "page_1",
		StartedDateTime: started.Format(time.RFC3339Nano),
		Time:            0,
		Request:         req,
		Response:        resp,
		Timings:         HARTimings{Blocked: -1, DNS: -1, Connect: -1, Send: 0, Wait: 0, Receive: 0},
	}
}

func headerList(headers map[string]string) []HARNameValue {
	out := make([]HARNameValue, 0, len(headers))
	for k, v := range headers {
		out = append(out, HARNameValue{Name: k, Value: v})
	}
	return out
}

func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func queryString(rawURL string) []HARNameValue {
	out := make([]HARNameValue, 0)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for name, values := range parsed.Query() {
		for _, v := range values {
			out = append(out, HARNameValue{Name: name, Value: v})
		}
	}
	return out
}

// cookieHeaderPairs splits a request Cookie header into name/value pairs.
func cookieHeaderPairs(header string) []HARNameValue {
	out := make([]HARNameValue, 0)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if name, value, ok := strings.Cut(part, "="); ok && name != "" {
			out = append(out, HARNameValue{Name: name, Value: value})
		}
	}
	return out
}

// setCookiePairs extracts the name and value from each Set-Cookie line,
// dropping the attributes.
func setCookiePairs(lines []string) []HARNameValue {
	out := make([]HARNameValue, 0, len(lines))
	for _, line := range lines {
		head, _, _ := strings.Cut(line, ";")
		if name, value, ok := strings.Cut(strings.TrimSpace(head), "="); ok && name != "" {
			out = append(out, HARNameValue{Name: name, Value: value})
		}
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

package monitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// NetworkConfig tunes traffic capture.
type NetworkConfig struct {
	BlockPatterns  []string
	StaticSuffixes []string
	Resources      []string // resource types whose bodies are fetched
	BodyMaxChars   int
	URLMaxChars    int
}

// txAccum accumulates one transaction across its lifecycle events until
// emission.
type txAccum struct {
	tx            event.Transaction
	cookiesLogged bool
}

type bodyWaitCtx struct {
	fetchID string // interception request id, used to resume the pause
}

// Network assembles complete HTTP transactions from interleaved protocol
// events. Two paths feed the same accumulator table: passive lifecycle
// events keyed by network request id, and Fetch interception keyed by the
// fetch request id. Each id emits exactly once.
type Network struct {
	cmd    Commands
	emit   EmitFunc
	logger *slog.Logger
	cfg    NetworkConfig

	filter  urlFilter
	capture map[string]bool

	mu       sync.Mutex
	inflight map[string]*txAccum
	bodyWait map[int64]bodyWaitCtx
	emitted  int
	failed   int
}

// NewNetwork creates the network monitor.
func NewNetwork(cmd Commands, emit EmitFunc, logger *slog.Logger, cfg NetworkConfig) *Network {
	capture := make(map[string]bool, len(cfg.Resources))
	for _, r := range cfg.Resources {
		capture[r] = true
	}
	return &Network{
		cmd:      cmd,
		emit:     emit,
		logger:   logger,
		cfg:      cfg,
		filter:   urlFilter{blockPatterns: cfg.BlockPatterns, staticSuffixes: cfg.StaticSuffixes},
		capture:  capture,
		inflight: map[string]*txAccum{},
		bodyWait: map[int64]bodyWaitCtx{},
	}
}

func (n *Network) Name() string { return "network" }

// Setup enables passive observation and Fetch interception. The cache and
// service workers are bypassed so every exchange crosses the wire, and
// blocked URLs are rejected browser-side in addition to being filtered
// here.
func (n *Network) Setup(ctx context.Context) error {
	err := n.cmd.EnableDomain(ctx, "Network", map[string]any{
		"includeExtraInfo":      true,
		"maxTotalBufferSize":    512_000_000,
		"maxResourceBufferSize": 256_000_000,
	}, true)
	if err != nil {
		return err
	}
	if _, err := n.cmd.Send("Network.setCacheDisabled", map[string]any{"cacheDisabled": true}); err != nil {
		return err
	}
	if _, err := n.cmd.Send("Network.setBypassServiceWorker", map[string]any{"bypass": true}); err != nil {
		return err
	}
	if len(n.cfg.BlockPatterns) > 0 {
		if _, err := n.cmd.Send("Network.setBlockedURLs", map[string]any{"urls": n.cfg.BlockPatterns}); err != nil {
			return err
		}
	}
	return n.cmd.EnableDomain(ctx, "Fetch", map[string]any{
		"patterns": []map[string]any{
			{"urlPattern": "*", "requestStage": "Request"},
			{"urlPattern": "*", "requestStage": "Response"},
		},
	}, true)
}

// HandleEvent consumes network lifecycle frames. Fetch.requestPaused,
// responseReceived and responseReceivedExtraInfo are processed but passed
// through so the storage monitor can observe their cookie headers.
func (n *Network) HandleEvent(f *proto.Frame) bool {
	switch f.Method {
	case "Fetch.requestPaused":
		n.onRequestPaused(f.Params)
		return false
	case "Network.requestWillBeSent":
		n.onRequestWillBeSent(f.Params)
		return true
	case "Network.responseReceived":
		n.onResponseReceived(f.Params)
		return false
	case "Network.responseReceivedExtraInfo":
		n.onExtraInfo(f.Params)
		return false
	case "Network.loadingFinished":
		n.onLoadingFinished(f.Params)
		return true
	case "Network.loadingFailed":
		n.onLoadingFailed(f.Params)
		return true
	}
	return false
}

func (n *Network) onRequestWillBeSent(params json.RawMessage) {
	var p struct {
		RequestID string  `json:"requestId"`
		Type      string  `json:"type"`
		Timestamp float64 `json:"timestamp"`
		Request   struct {
			URL      string            `json:"url"`
			Method   string            `json:"method"`
			Headers  map[string]string `json:"headers"`
			PostData string            `json:"postData"`
		} `json:"request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		n.logger.Warn("netmon: bad requestWillBeSent", "error", err)
		return
	}
	if n.filter.blocked(p.Request.URL) || n.filter.static(p.Request.URL) {
		return
	}
	ct := headerValue(p.Request.Headers, "content-type")
	n.mu.Lock()
	n.inflight[p.RequestID] = &txAccum{tx: event.Transaction{
		RequestID:      p.RequestID,
		URL:            p.Request.URL,
		Method:         p.Request.Method,
		ResourceType:   p.Type,
		RequestHeaders: p.Request.Headers,
		PostData:       normalizePostData(p.Request.PostData, ct),
	}}
	n.mu.Unlock()
}

func (n *Network) onResponseReceived(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			URL        string            `json:"url"`
			Status     int               `json:"status"`
			StatusText string            `json:"statusText"`
			Headers    map[string]string `json:"headers"`
			MimeType   string            `json:"mimeType"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		n.logger.Warn("netmon: bad responseReceived", "error", err)
		return
	}
	if n.filter.blocked(p.Response.URL) || n.filter.static(p.Response.URL) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, ok := n.inflight[p.RequestID]
	if !ok {
		return
	}
	acc.tx.Status = p.Response.Status
	acc.tx.StatusText = p.Response.StatusText
	acc.tx.ResponseHeaders = p.Response.Headers
	acc.tx.MimeType = p.Response.MimeType
}

// onExtraInfo harvests Set-Cookie headers, which the main response event
// elides. First sighting per request wins.
func (n *Network) onExtraInfo(params json.RawMessage) {
	var p struct {
		RequestID string            `json:"requestId"`
		Headers   map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}
	cookies := setCookieValues(p.Headers)
	if len(cookies) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, ok := n.inflight[p.RequestID]
	if !ok {
		acc = &txAccum{tx: event.Transaction{RequestID: p.RequestID}}
		n.inflight[p.RequestID] = acc
	}
	if !acc.cookiesLogged {
		acc.tx.SetCookies = cookies
		acc.cookiesLogged = true
	}
}

func (n *Network) onLoadingFinished(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	n.emitInflight(p.RequestID)
}

func (n *Network) onLoadingFailed(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	n.mu.Lock()
	acc, ok := n.inflight[p.RequestID]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.inflight, p.RequestID)
	if n.filter.blocked(acc.tx.URL) || n.filter.static(acc.tx.URL) {
		n.mu.Unlock()
		return
	}
	acc.tx.Failed = true
	acc.tx.ErrorText = p.ErrorText
	acc.tx.Timestamp = nowUnix()
	n.failed++
	n.mu.Unlock()
	n.emit(event.CategoryNetwork, &acc.tx)
}

// emitInflight finalizes and emits the accumulated transaction for id,
// purging its entry. Blocked and static URLs are purged silently.
func (n *Network) emitInflight(id string) {
	n.mu.Lock()
	acc, ok := n.inflight[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.inflight, id)
	if n.filter.blocked(acc.tx.URL) || n.filter.static(acc.tx.URL) {
		n.mu.Unlock()
		return
	}
	acc.tx.ResponseBody = normalizeBody(acc.tx.ResponseBody, acc.tx.MimeType, n.cfg.BodyMaxChars)
	acc.tx.Timestamp = nowUnix()
	n.emitted++
	n.mu.Unlock()
	n.emit(event.CategoryNetwork, &acc.tx)
}

// onRequestPaused drives the interception path. Request-stage pauses are
// recorded and continued; response-stage pauses trigger a body fetch for
// captured resource types before the pause is released. Pauses are always
// resumed, including for filtered URLs, so the page never stalls.
func (n *Network) onRequestPaused(params json.RawMessage) {
	var p struct {
		RequestID          string `json:"requestId"`
		ResourceType       string `json:"resourceType"`
		ResponseStatusCode *int   `json:"responseStatusCode"`
		ResponseStatusText string `json:"responseStatusText"`
		ResponseHeaders    []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"responseHeaders"`
		Request struct {
			URL      string            `json:"url"`
			Method   string            `json:"method"`
			Headers  map[string]string `json:"headers"`
			PostData string            `json:"postData"`
		} `json:"request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		n.logger.Warn("netmon: bad requestPaused", "error", err)
		return
	}
	atResponse := p.ResponseStatusCode != nil

	if n.filter.blocked(p.Request.URL) || n.filter.static(p.Request.URL) {
		n.mu.Lock()
		delete(n.inflight, p.RequestID)
		n.mu.Unlock()
		n.resume(p.RequestID, atResponse)
		return
	}

	if !atResponse {
		ct := headerValue(p.Request.Headers, "content-type")
		n.mu.Lock()
		n.inflight[p.RequestID] = &txAccum{tx: event.Transaction{
			RequestID:      p.RequestID,
			URL:            p.Request.URL,
			Method:         p.Request.Method,
			ResourceType:   p.ResourceType,
			RequestHeaders: p.Request.Headers,
			PostData:       normalizePostData(p.Request.PostData, ct),
		}}
		n.mu.Unlock()
		n.resume(p.RequestID, false)
		return
	}

	headers := make(map[string]string, len(p.ResponseHeaders))
	for _, h := range p.ResponseHeaders {
		headers[h.Name] = h.Value
	}
	n.mu.Lock()
	acc, ok := n.inflight[p.RequestID]
	if !ok {
		acc = &txAccum{tx: event.Transaction{
			RequestID:    p.RequestID,
			URL:          p.Request.URL,
			Method:       p.Request.Method,
			ResourceType: p.ResourceType,
		}}
		n.inflight[p.RequestID] = acc
	}
	acc.tx.Status = *p.ResponseStatusCode
	acc.tx.StatusText = p.ResponseStatusText
	acc.tx.ResponseHeaders = headers
	acc.tx.MimeType = headerValue(headers, "content-type")

	if !n.capture[p.ResourceType] {
		n.mu.Unlock()
		n.emitInflight(p.RequestID)
		n.resume(p.RequestID, true)
		return
	}

	cmdID, err := n.cmd.Send("Fetch.getResponseBody", map[string]any{"requestId": p.RequestID})
	if err != nil {
		n.mu.Unlock()
		n.logger.Warn("netmon: body fetch failed", "request", p.RequestID, "error", err)
		n.emitInflight(p.RequestID)
		n.resume(p.RequestID, true)
		return
	}
	n.bodyWait[cmdID] = bodyWaitCtx{fetchID: p.RequestID}
	n.mu.Unlock()
}

// ClaimReply intercepts Fetch.getResponseBody answers.
func (n *Network) ClaimReply(f *proto.Frame) bool {
	n.mu.Lock()
	ctx, ok := n.bodyWait[f.ID]
	if !ok {
		n.mu.Unlock()
		return false
	}
	delete(n.bodyWait, f.ID)
	n.mu.Unlock()

	if f.Error != nil {
		n.logger.Warn("netmon: getResponseBody error", "request", ctx.fetchID, "error", f.Error)
		n.emitInflight(ctx.fetchID)
		n.resume(ctx.fetchID, true)
		return true
	}

	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(f.Result, &body); err != nil {
		n.logger.Warn("netmon: bad getResponseBody reply", "error", err)
		n.emitInflight(ctx.fetchID)
		n.resume(ctx.fetchID, true)
		return true
	}
	text := body.Body
	if body.Base64Encoded && text != "" {
		if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
			text = string(decoded)
		} else {
			n.logger.Warn("netmon: base64 decode failed", "request", ctx.fetchID, "error", err)
		}
	}
	n.mu.Lock()
	if acc, ok := n.inflight[ctx.fetchID]; ok {
		acc.tx.ResponseBody = text
	}
	n.mu.Unlock()
	n.emitInflight(ctx.fetchID)
	n.resume(ctx.fetchID, true)
	return true
}

// resume releases a paused request. Failures are logged only: the pause
// may already be gone after a navigation.
func (n *Network) resume(fetchID string, atResponse bool) {
	method := "Fetch.continueRequest"
	if atResponse {
		method = "Fetch.continueResponse"
	}
	if _, err := n.cmd.Send(method, map[string]any{"requestId": fetchID}); err != nil {
		n.logger.Warn("netmon: continue failed", "method", method, "request", fetchID, "error", err)
	}
}

func (n *Network) Summary() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]any{
		"requests_tracked": len(n.inflight),
		"pending_bodies":   len(n.bodyWait),
		"emitted":          n.emitted,
		"failed":           n.failed,
	}
}

// headerValue performs a case-insensitive header lookup.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// setCookieValues extracts Set-Cookie header values. Chrome folds
// multiple cookies into one newline-joined value.
func setCookieValues(headers map[string]string) []string {
	var out []string
	for k, v := range headers {
		if !strings.EqualFold(k, "set-cookie") {
			continue
		}
		for _, line := range strings.Split(v, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

var _ Monitor = (*Network)(nil)

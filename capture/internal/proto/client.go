package proto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultCommandTimeout bounds SendAndWait when the caller passes zero.
const DefaultCommandTimeout = 10 * time.Second

// pageDomains are the protocol domains that operate on a page target, not
// on the browser endpoint. Commands in these domains are routed through the
// attached session.
var pageDomains = map[string]bool{
	"Page": true, "Runtime": true, "Network": true, "Fetch": true,
	"DOM": true, "DOMSnapshot": true, "DOMStorage": true, "IndexedDB": true,
	"Emulation": true, "Input": true,
}

// FrameHandler receives dispatched frames. HandleEvent returns true to stop
// propagation to later handlers; ClaimReply returns true when the handler
// owns the command id and has consumed the reply.
type FrameHandler interface {
	HandleEvent(f *Frame) bool
	ClaimReply(f *Frame) bool
}

// Client is a DevTools protocol connection. One goroutine (ReadLoop) owns
// all reads; writes are serialised by a mutex so any goroutine may send.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Frame
	closed    bool

	handlers []FrameHandler

	sessionMu   sync.Mutex
	sessionID   string
	sessionSet  chan struct{}
	warnedNoSes map[string]bool

	enableMu sync.Mutex
	enabled  map[string]bool
}

// Dial connects to a DevTools websocket endpoint.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proto: dial %s: %w", wsURL, err)
	}
	return &Client{
		conn:        conn,
		logger:      logger,
		pending:     map[int64]chan *Frame{},
		sessionSet:  make(chan struct{}),
		warnedNoSes: map[string]bool{},
		enabled:     map[string]bool{},
	}, nil
}

// RegisterHandler appends a frame handler. Dispatch order is registration
// order. Must be called before ReadLoop starts.
func (c *Client) RegisterHandler(h FrameHandler) {
	c.handlers = append(c.handlers, h)
}

// Close tears down the connection and rejects all pending commands.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.rejectPending()
	return err
}

func (c *Client) rejectPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Send fires a command without waiting for its reply and returns the id
// assigned to it. Commands in page-level domains are routed through the
// attached session when one exists.
func (c *Client) Send(method string, params any) (int64, error) {
	id := c.seq.Add(1)
	if err := c.write(id, method, params); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Client) write(id int64, method string, params any) error {
	f := Frame{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("proto: marshal %s params: %w", method, err)
		}
		f.Params = raw
	}
	domain, _, _ := cutMethod(method)
	if pageDomains[domain] {
		c.sessionMu.Lock()
		if c.sessionID != "" {
			f.SessionID = c.sessionID
		} else if !c.warnedNoSes[domain] {
			c.warnedNoSes[domain] = true
			c.logger.Warn("proto: page-level command before session attach", "method", method)
		}
		c.sessionMu.Unlock()
	}
	payload, err := json.Marshal(&f)
	if err != nil {
		return fmt.Errorf("proto: marshal %s frame: %w", method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("proto: write %s: %w", method, err)
	}
	return nil
}

// SendAndWait fires a command and blocks for its reply. The reply channel
// is registered before the write so a fast answer cannot be lost. A zero
// timeout means DefaultCommandTimeout.
func (c *Client) SendAndWait(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	id := c.seq.Add(1)
	ch := make(chan *Frame, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("proto: %s: %w", method, ErrConnClosed)
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(id, method, params); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("proto: %s: %w", method, ErrConnClosed)
		}
		if f.Error != nil {
			return nil, fmt.Errorf("proto: %s: %w", method, f.Error)
		}
		return f.Result, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("proto: %s after %s: %w", method, timeout, ErrTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("proto: %s: %w", method, ctx.Err())
	}
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// ReadLoop is the sole reader of the connection. It dispatches events to
// handlers in registration order and replies first to handlers that claim
// the id, then to the pending command table. It returns when the
// connection closes or ctx is cancelled.
func (c *Client) ReadLoop(ctx context.Context) error {
	defer c.rejectPending()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("proto: read: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Warn("proto: unparseable frame", "error", err, "bytes", len(payload))
			continue
		}
		switch {
		case f.IsEvent():
			c.dispatchEvent(&f)
		case f.IsReply():
			c.dispatchReply(&f)
		default:
			c.logger.Warn("proto: frame with neither id nor method", "bytes", len(payload))
		}
	}
}

func (c *Client) dispatchEvent(f *Frame) {
	if f.Method == "Target.attachedToTarget" {
		c.observeAttached(f)
	}
	for _, h := range c.handlers {
		if handled := safeHandle(c.logger, h, f); handled {
			return
		}
	}
}

// safeHandle isolates handler panics so one bad monitor cannot kill the
// read loop.
func safeHandle(logger *slog.Logger, h FrameHandler, f *Frame) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("proto: handler panic", "method", f.Method, "panic", r)
			handled = false
		}
	}()
	return h.HandleEvent(f)
}

func (c *Client) dispatchReply(f *Frame) {
	for _, h := range c.handlers {
		if h.ClaimReply(f) {
			return
		}
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("proto: unclaimed reply", "id", f.ID)
		return
	}
	ch <- f
}

func cutMethod(method string) (domain, name string, ok bool) {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i], method[i+1:], true
		}
	}
	return method, "", false
}

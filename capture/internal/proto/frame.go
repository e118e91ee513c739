// Package proto implements the DevTools protocol client: a single
// websocket connection carrying JSON frames, command/reply correlation by
// id, domain enablement, target session resolution and event dispatch.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame is one protocol message in either direction. A frame with a Method
// and no ID is an event; a frame with an ID and no Method is a reply; a
// frame with both is an outgoing command.
type Frame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CommandError   `json:"error,omitempty"`
}

// IsEvent reports whether the frame is a server-initiated event.
func (f *Frame) IsEvent() bool { return f.ID == 0 && f.Method != "" }

// IsReply reports whether the frame answers a previously sent command.
func (f *Frame) IsReply() bool { return f.ID != 0 && f.Method == "" }

// CommandError is the error object a reply carries when the command failed
// browser-side.
type CommandError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("proto: command error %d: %s", e.Code, e.Message)
}

var (
	// ErrTimeout is returned when a reply did not arrive within the
	// per-command deadline.
	ErrTimeout = errors.New("proto: command timed out")

	// ErrConnClosed is returned for commands still pending when the
	// websocket connection goes away.
	ErrConnClosed = errors.New("proto: connection closed")

	// ErrNoSession is returned when an operation needs an attached page
	// session and none has been resolved yet.
	ErrNoSession = errors.New("proto: no page session attached")
)

// IsStaleContext reports whether err indicates the page navigated or the
// execution context was torn down between request and reply. Callers treat
// these as transient and retry against the fresh context.
func IsStaleContext(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Code != -32000 {
		return false
	}
	msg := ce.Message
	return strings.Contains(msg, "Cannot find context") ||
		strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Inspected target navigated or closed")
}

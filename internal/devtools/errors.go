package devtools

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrorKind classifies failures surfaced by the bridge.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindDiscoveryTimeout
	KindTargetNotFound
	KindConnectTimeout
	KindNotConnected
	KindRequestTimeout
	KindConnectionClosed
	KindEvaluation
	KindTransport
)

// String returns a human-readable representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindDiscoveryTimeout:
		return "discovery_timeout"
	case KindTargetNotFound:
		return "target_not_found"
	case KindConnectTimeout:
		return "connect_timeout"
	case KindNotConnected:
		return "not_connected"
	case KindRequestTimeout:
		return "request_timeout"
	case KindConnectionClosed:
		return "connection_closed"
	case KindEvaluation:
		return "evaluation_error"
	case KindTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Error is a classified bridge failure. errors.Is matches any two Errors of
// the same Kind, so detailed errors still match the sentinels below.
type Error struct {
	Kind    ErrorKind
	Method  string        // request method, when tied to a request
	Port    int           // discovery port, for discovery failures
	Timeout time.Duration // the window that elapsed, for timeouts
	Detail  string        // remote description or hint
	Err     error         // underlying cause
}

var (
	ErrDiscoveryTimeout = &Error{Kind: KindDiscoveryTimeout}
	ErrTargetNotFound   = &Error{Kind: KindTargetNotFound}
	ErrConnectTimeout   = &Error{Kind: KindConnectTimeout}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrRequestTimeout   = &Error{Kind: KindRequestTimeout}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrEvaluation       = &Error{Kind: KindEvaluation}
	ErrTransport        = &Error{Kind: KindTransport}
)

// Error implements the error interface
func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindDiscoveryTimeout:
		msg = fmt.Sprintf("discovery on port %d timed out after %v", e.Port, e.Timeout)
	case KindTargetNotFound:
		msg = "application not found; ensure it was started with remote debugging enabled"
		if e.Port > 0 {
			msg = fmt.Sprintf("%s (e.g. --remote-debugging-port=%d)", msg, e.Port)
		}
	case KindConnectTimeout:
		msg = fmt.Sprintf("connection not ready after %v", e.Timeout)
	case KindNotConnected:
		msg = "not connected"
	case KindRequestTimeout:
		msg = fmt.Sprintf("request %s timed out after %v", e.Method, e.Timeout)
	case KindConnectionClosed:
		msg = "connection closed"
		if e.Method != "" {
			msg = fmt.Sprintf("connection closed before %s completed", e.Method)
		}
	case KindEvaluation:
		msg = "evaluation failed"
	case KindTransport:
		msg = "transport error"
	default:
		msg = "devtools error"
	}

	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ProtocolError is the error object of a response frame.
// Data is usually a string but may be any JSON value.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (pe *ProtocolError) Error() string {
	if data := pe.dataText(); data != "" {
		return fmt.Sprintf("%s (%d): %s", pe.Message, pe.Code, data)
	}
	return fmt.Sprintf("%s (%d)", pe.Message, pe.Code)
}

func (pe *ProtocolError) dataText() string {
	if len(pe.Data) == 0 || string(pe.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(pe.Data, &s); err == nil {
		return s
	}
	return string(pe.Data)
}

// ClassifyDialError wraps a websocket dial failure as a transport error with
// a hint about the likely cause.
func ClassifyDialError(url string, err error) error {
	if err == nil {
		return nil
	}

	hint := "dial " + url
	errStr := strings.ToLower(err.Error())

	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrBadHandshake):
		hint = "dial " + url + ": endpoint refused the websocket upgrade (stale target id?)"
	case strings.Contains(errStr, "connection refused"):
		hint = "dial " + url + ": nothing is listening; is the application running with remote debugging enabled?"
	case errors.As(err, &netErr) && netErr.Timeout():
		hint = "dial " + url + ": timed out"
	}

	return &Error{Kind: KindTransport, Detail: hint, Err: err}
}

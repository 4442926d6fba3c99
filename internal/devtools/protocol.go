// Package devtools implements a persistent client for the remote debugging
// websocket protocol: correlated requests, console notifications and
// connection lifecycle over a single socket.
package devtools

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/standardbeagle/vaultbridge/internal/eventlog"
)

// Methods and notifications used by the bridge.
const (
	MethodRuntimeEnable     = "Runtime.enable"
	MethodRuntimeEvaluate   = "Runtime.evaluate"
	MethodCaptureScreenshot = "Page.captureScreenshot"

	EventConsoleAPICalled = "Runtime.consoleAPICalled"
	EventExceptionThrown  = "Runtime.exceptionThrown"
)

// Request is an outbound frame.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inboundFrame covers both responses (ID set) and notifications (Method set, no ID).
type inboundFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

func (f *inboundFrame) isNotification() bool {
	return f.ID == 0 && f.Method != ""
}

// RemoteObject mirrors the runtime's description of a value.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
}

// ExceptionDetails describes an exception raised by an evaluation.
type ExceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	URL          string        `json:"url,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// Description returns the most specific message available.
func (d *ExceptionDetails) Description() string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	if d.Exception != nil && len(d.Exception.Value) > 0 {
		return string(d.Exception.Value)
	}
	return d.Text
}

// EvaluateParams are the parameters of Runtime.evaluate.
type EvaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise,omitempty"`
}

// EvaluateResult is the result envelope of Runtime.evaluate.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// ScreenshotParams are the parameters of Page.captureScreenshot.
type ScreenshotParams struct {
	Format  string `json:"format,omitempty"`
	Quality *int   `json:"quality,omitempty"`
}

// ScreenshotResult carries base64 image data.
type ScreenshotResult struct {
	Data string `json:"data"`
}

type consoleAPICalled struct {
	Type      string         `json:"type"`
	Args      []RemoteObject `json:"args"`
	Timestamp float64        `json:"timestamp"`
}

type exceptionThrown struct {
	Timestamp        float64          `json:"timestamp"`
	ExceptionDetails ExceptionDetails `json:"exceptionDetails"`
}

// remoteTime converts a runtime timestamp in milliseconds since the epoch.
func remoteTime(ms float64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}

func normalizeLevel(t string) string {
	switch t {
	case "warning":
		return "warn"
	case "":
		return "log"
	default:
		return t
	}
}

// NormalizeEvent converts a notification into an event record. ok is false
// for notifications that are not console events or whose payload does not decode.
func NormalizeEvent(method string, params json.RawMessage) (rec eventlog.Record, ok bool) {
	switch method {
	case EventConsoleAPICalled:
		var ev consoleAPICalled
		if err := json.Unmarshal(params, &ev); err != nil {
			return rec, false
		}
		parts := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			parts = append(parts, flattenArg(arg))
		}
		return eventlog.Record{
			Level:     normalizeLevel(ev.Type),
			Text:      strings.Join(parts, " "),
			Timestamp: remoteTime(ev.Timestamp),
		}, true

	case EventExceptionThrown:
		var ev exceptionThrown
		if err := json.Unmarshal(params, &ev); err != nil {
			return rec, false
		}
		return eventlog.Record{
			Level:     "error",
			Text:      ev.ExceptionDetails.Description(),
			Timestamp: remoteTime(ev.Timestamp),
		}, true
	}
	return rec, false
}

func flattenArg(arg RemoteObject) string {
	if len(arg.Value) > 0 && string(arg.Value) != "null" {
		var s string
		if err := json.Unmarshal(arg.Value, &s); err == nil {
			return s
		}
		return string(arg.Value)
	}
	if arg.UnserializableValue != "" {
		return arg.UnserializableValue
	}
	if arg.Description != "" {
		return arg.Description
	}
	if arg.Subtype != "" {
		return arg.Subtype
	}
	return arg.Type
}

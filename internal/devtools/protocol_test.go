package devtools

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConsoleEvent(t *testing.T) {
	params := json.RawMessage(`{
		"type": "warning",
		"args": [
			{"type": "string", "value": "saved"},
			{"type": "number", "value": 3},
			{"type": "object", "value": {"a": 1}},
			{"type": "undefined"},
			{"type": "number", "unserializableValue": "NaN"},
			{"type": "function", "description": "function f() {}"}
		],
		"timestamp": 1700000000123.5
	}`)

	rec, ok := NormalizeEvent(EventConsoleAPICalled, params)
	require.True(t, ok)
	assert.Equal(t, "warn", rec.Level)
	assert.Equal(t, `saved 3 {"a": 1} undefined NaN function f() {}`, rec.Text)
	assert.Equal(t, int64(1700000000123), rec.Timestamp.UnixMilli())
}

func TestNormalizeExceptionEvent(t *testing.T) {
	params := json.RawMessage(`{
		"timestamp": 1700000000000,
		"exceptionDetails": {
			"text": "Uncaught",
			"exception": {"type": "object", "description": "TypeError: x is undefined"}
		}
	}`)

	rec, ok := NormalizeEvent(EventExceptionThrown, params)
	require.True(t, ok)
	assert.Equal(t, "error", rec.Level)
	assert.Equal(t, "TypeError: x is undefined", rec.Text)
}

func TestNormalizeEventRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params string
	}{
		{"not json", EventConsoleAPICalled, `{"type":`},
		{"args wrong shape", EventConsoleAPICalled, `{"type":"log","args":"oops"}`},
		{"exception wrong shape", EventExceptionThrown, `{"exceptionDetails": 5}`},
		{"other method", "Page.loadEventFired", `{"timestamp": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := NormalizeEvent(tt.method, json.RawMessage(tt.params))
			assert.False(t, ok)
		})
	}
}

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "warn", normalizeLevel("warning"))
	assert.Equal(t, "log", normalizeLevel(""))
	assert.Equal(t, "debug", normalizeLevel("debug"))
	assert.Equal(t, "table", normalizeLevel("table"))
}

func TestErrorKindsMatchSentinels(t *testing.T) {
	err := &Error{Kind: KindRequestTimeout, Method: "Runtime.evaluate", Timeout: 30 * time.Second}
	wrapped := fmt.Errorf("tool failed: %w", err)

	assert.True(t, errors.Is(wrapped, ErrRequestTimeout))
	assert.False(t, errors.Is(wrapped, ErrConnectionClosed))
	assert.Equal(t, KindRequestTimeout, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "Runtime.evaluate")
	assert.Contains(t, err.Error(), "30s")
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err      *Error
		contains string
	}{
		{&Error{Kind: KindDiscoveryTimeout, Port: 9222, Timeout: 5 * time.Second}, "port 9222 timed out after 5s"},
		{&Error{Kind: KindTargetNotFound}, "application not found; ensure it was started with remote debugging enabled"},
		{&Error{Kind: KindConnectTimeout, Timeout: time.Second}, "not ready after 1s"},
		{&Error{Kind: KindEvaluation, Detail: "ReferenceError: foo is not defined"}, "ReferenceError: foo"},
		{&Error{Kind: KindConnectionClosed, Method: "Page.captureScreenshot"}, "before Page.captureScreenshot completed"},
	}

	for _, tt := range tests {
		t.Run(tt.err.Kind.String(), func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.contains)
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	refused := ClassifyDialError("ws://localhost:1/devtools/page/x", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"))
	assert.True(t, errors.Is(refused, ErrTransport))
	assert.Contains(t, refused.Error(), "remote debugging enabled")

	handshake := ClassifyDialError("ws://localhost:1/devtools/page/x", websocket.ErrBadHandshake)
	assert.Contains(t, handshake.Error(), "stale target id")

	assert.NoError(t, ClassifyDialError("ws://x", nil))
}

func TestProtocolErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"no data", "", "'Foo.bar' wasn't found (-32601)"},
		{"null data", "null", "'Foo.bar' wasn't found (-32601)"},
		{"string data", `"no such method"`, "'Foo.bar' wasn't found (-32601): no such method"},
		{"object data", `{"detail":1}`, `'Foo.bar' wasn't found (-32601): {"detail":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := &ProtocolError{Code: -32601, Message: "'Foo.bar' wasn't found"}
			if tt.data != "" {
				pe.Data = json.RawMessage(tt.data)
			}
			assert.Equal(t, tt.want, pe.Error())
		})
	}
}

func TestPendingTableTakeOnce(t *testing.T) {
	table := newPendingTable()
	p := newPendingRequest(1, "Runtime.evaluate")
	require.True(t, table.add(p))
	assert.False(t, table.add(newPendingRequest(1, "dup")))

	got, ok := table.take(1)
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = table.take(1)
	assert.False(t, ok, "a request can only be removed once")
	assert.Equal(t, 0, table.len())
}

func TestPendingTableDrain(t *testing.T) {
	table := newPendingTable()
	for i := int64(1); i <= 5; i++ {
		table.add(newPendingRequest(i, "m"))
	}
	assert.Len(t, table.drain(), 5)
	assert.Equal(t, 0, table.len())
	assert.Empty(t, table.drain())
}

func TestPendingSettleStopsTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := newPendingRequest(1, "m")
	p.timer = time.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })

	p.settle(result{value: json.RawMessage(`{}`)})
	res := <-p.done
	assert.NoError(t, res.err)

	select {
	case <-fired:
		t.Fatal("timer should have been stopped")
	case <-time.After(100 * time.Millisecond):
	}
}

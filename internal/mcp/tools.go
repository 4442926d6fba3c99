package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/discovery"
	"github.com/standardbeagle/vaultbridge/internal/eventlog"
	"github.com/standardbeagle/vaultbridge/internal/session"
)

const defaultLogLimit = 100

type toolSet struct {
	sess          *session.Session
	screenshotDir string
	logger        *zap.Logger
}

// RegisterTools adds the bridge tools to srv.
func RegisterTools(srv *server.MCPServer, sess *session.Session, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ts := &toolSet{
		sess:          sess,
		screenshotDir: screenshotDir(opts.ScreenshotDir),
		logger:        logger,
	}

	registerConnectionTools(srv, ts)
	registerPageTools(srv, ts)
	registerConsoleTools(srv, ts)
}

func registerConnectionTools(srv *server.MCPServer, ts *toolSet) {
	connectTool := mcplib.NewTool("app_connect",
		mcplib.WithDescription(`Connect to the running application over its remote debugging port.

**When to use:**
- Before a series of app_evaluate / app_screenshot calls, to surface connection problems early
- To attach to a specific page when several are open (pass websocket_url from app_targets)

Other tools connect on demand, so calling this first is optional. Calling it while
already connected is a no-op.

**Troubleshooting:**
- "application not found": start the application with --remote-debugging-port=<port>
- "discovery ... timed out": the port is not answering; check the configured port`),
		mcplib.WithString("websocket_url",
			mcplib.Description("Explicit page socket URL; skips target discovery"),
		),
	)
	srv.AddTool(connectTool, ts.handleConnect)

	disconnectTool := mcplib.NewTool("app_disconnect",
		mcplib.WithDescription(`Close the connection to the application. Pending calls fail and one-time page
setup is forgotten; captured console logs are kept. Safe to call when not connected.`),
	)
	srv.AddTool(disconnectTool, ts.handleDisconnect)

	statusTool := mcplib.NewTool("app_status",
		mcplib.WithDescription(`Show the bridge connection state, connected target, pending request count,
console buffer usage and recent state transitions. Includes the endpoint's browser
version when it answers.`),
	)
	srv.AddTool(statusTool, ts.handleStatus)

	targetsTool := mcplib.NewTool("app_targets",
		mcplib.WithDescription(`List every target exposed by the remote debugging endpoint. Entries marked
"match" are candidates for automatic connection; the first one is used.`),
	)
	srv.AddTool(targetsTool, ts.handleTargets)
}

func registerPageTools(srv *server.MCPServer, ts *toolSet) {
	evalTool := mcplib.NewTool("app_evaluate",
		mcplib.WithDescription(`Evaluate a JavaScript expression in the application page and return its value as JSON.

**When to use:**
- Inspect application state: "how many notes are open?", "what is the active file?"
- Drive the application through its own API

**Notes:**
- Values are returned by value, so return plain data rather than DOM nodes or huge graphs
- Thrown exceptions are reported as errors with the exception description
- undefined is reported as "undefined"

**Examples:**
- {"expression": "document.title"}
- {"expression": "fetch('/api').then(r => r.status)", "await_promise": true}`),
		mcplib.WithString("expression",
			mcplib.Required(),
			mcplib.Description("JavaScript expression to evaluate"),
		),
		mcplib.WithBoolean("await_promise",
			mcplib.Description("Wait for a returned promise to settle (default true)"),
		),
	)
	srv.AddTool(evalTool, ts.handleEvaluate)

	screenshotTool := mcplib.NewTool("app_screenshot",
		mcplib.WithDescription(`Capture the application window. Returns the image inline, or saves it to a file
and returns the path when save is true.`),
		mcplib.WithString("format",
			mcplib.Description("Image format"),
			mcplib.Enum("png", "jpeg", "webp"),
		),
		mcplib.WithNumber("quality",
			mcplib.Description("Compression quality 0-100 (jpeg and webp only)"),
		),
		mcplib.WithBoolean("save",
			mcplib.Description("Write the image to the screenshot directory instead of returning it inline"),
		),
	)
	srv.AddTool(screenshotTool, ts.handleScreenshot)

	callTool := mcplib.NewTool("cdp_call",
		mcplib.WithDescription(`Send a raw remote debugging protocol method and return its result. Use when no
dedicated tool exists, e.g. {"method": "Page.reload"} or
{"method": "Runtime.getHeapUsage"}.`),
		mcplib.WithString("method",
			mcplib.Required(),
			mcplib.Description("Protocol method, e.g. Page.reload"),
		),
		mcplib.WithObject("params",
			mcplib.Description("Method parameters"),
		),
	)
	srv.AddTool(callTool, ts.handleCall)
}

func registerConsoleTools(srv *server.MCPServer, ts *toolSet) {
	logsTool := mcplib.NewTool("app_console_logs",
		mcplib.WithDescription(`Read console messages and uncaught exceptions captured from the application,
oldest first. The buffer is bounded; the oldest entries are dropped when it fills.

**Filters:**
- since: RFC3339 timestamp, or a duration such as "5m" meaning that long ago
- level: log, info, warn, error, debug
- pattern: text the entry must contain (case-insensitive); set match to "regex" or "exact" to change how it is compared
- limit: keep only the newest N entries (default 100)`),
		mcplib.WithString("since",
			mcplib.Description("Only entries at or after this time"),
		),
		mcplib.WithString("level",
			mcplib.Description("Only entries of this level"),
		),
		mcplib.WithString("pattern",
			mcplib.Description("Only entries whose text matches this pattern"),
		),
		mcplib.WithString("match",
			mcplib.Description("How pattern is compared"),
			mcplib.Enum(string(eventlog.MatchContains), string(eventlog.MatchRegex), string(eventlog.MatchExact)),
		),
		mcplib.WithBoolean("case_sensitive",
			mcplib.Description("Compare pattern case-sensitively (default false)"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of entries, newest kept"),
		),
	)
	srv.AddTool(logsTool, ts.handleConsoleLogs)

	clearTool := mcplib.NewTool("app_console_clear",
		mcplib.WithDescription("Discard all captured console entries."),
	)
	srv.AddTool(clearTool, ts.handleConsoleClear)
}

func (ts *toolSet) handleConnect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	url := request.GetString("websocket_url", "")
	if err := ts.sess.Connect(ctx, url); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	st := ts.sess.Status()
	return mcplib.NewToolResultText(fmt.Sprintf("Connected to %s", st.URL)), nil
}

func (ts *toolSet) handleDisconnect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !ts.sess.IsConnected() {
		return mcplib.NewToolResultText("Not connected"), nil
	}
	if err := ts.sess.Close(); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to disconnect: %v", err)), nil
	}
	return mcplib.NewToolResultText("Disconnected"), nil
}

func (ts *toolSet) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out := struct {
		session.Status
		Endpoint      string                 `json:"endpoint"`
		Version       *discovery.VersionInfo `json:"version,omitempty"`
		EndpointError string                 `json:"endpoint_error,omitempty"`
	}{
		Status:   ts.sess.Status(),
		Endpoint: ts.sess.Resolver().Endpoint(),
	}

	version, err := ts.sess.Resolver().Version(ctx)
	if err != nil {
		out.EndpointError = err.Error()
	} else {
		out.Version = version
	}
	return jsonResult(out)
}

func (ts *toolSet) handleTargets(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	targets, err := ts.sess.Resolver().ListTargets(ctx)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to list targets: %v", err)), nil
	}

	type listedTarget struct {
		discovery.Target
		Match bool `json:"match"`
	}
	matched := make(map[string]bool)
	for _, t := range discovery.MatchTargets(targets, ts.sess.Options().TargetMarker) {
		matched[t.ID] = true
	}
	list := make([]listedTarget, 0, len(targets))
	for _, t := range targets {
		list = append(list, listedTarget{Target: t, Match: matched[t.ID]})
	}
	return jsonResult(list)
}

func (ts *toolSet) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	expression, err := request.RequireString("expression")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	awaitPromise := request.GetBool("await_promise", true)

	value, err := ts.sess.Evaluate(ctx, expression, awaitPromise)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}
	if value == nil {
		return mcplib.NewToolResultText("undefined"), nil
	}
	return mcplib.NewToolResultText(string(value)), nil
}

func (ts *toolSet) handleScreenshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	format := request.GetString("format", session.FormatPNG)
	var quality *int
	if _, ok := request.GetArguments()["quality"]; ok {
		q := request.GetInt("quality", 0)
		quality = &q
	}

	data, err := ts.sess.CaptureImage(ctx, format, quality)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to capture screenshot: %v", err)), nil
	}

	if !request.GetBool("save", false) {
		return mcplib.NewToolResultImage("Screenshot captured", data, "image/"+format), nil
	}

	path, err := ts.saveImage(data, format)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to save screenshot: %v", err)), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("Screenshot saved to %s", path)), nil
}

func (ts *toolSet) saveImage(data, format string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if err := os.MkdirAll(ts.screenshotDir, 0755); err != nil {
		return "", err
	}
	ext := format
	if ext == session.FormatJPEG {
		ext = "jpg"
	}
	path := filepath.Join(ts.screenshotDir, fmt.Sprintf("screenshot-%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", err
	}
	ts.logger.Debug("screenshot saved", zap.String("path", path), zap.Int("bytes", len(raw)))
	return path, nil
}

func (ts *toolSet) handleCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	method, err := request.RequireString("method")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	var params any
	switch p := request.GetArguments()["params"].(type) {
	case nil:
	case map[string]any:
		params = p
	case string:
		// Some clients send objects as JSON text.
		if strings.TrimSpace(p) != "" {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(p), &decoded); err != nil {
				return mcplib.NewToolResultError(fmt.Sprintf("params is not a JSON object: %v", err)), nil
			}
			params = decoded
		}
	default:
		return mcplib.NewToolResultError(fmt.Sprintf("params must be an object, got %T", p)), nil
	}

	result, err := ts.sess.Call(ctx, method, params)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("%s failed: %v", method, err)), nil
	}
	return mcplib.NewToolResultText(string(result)), nil
}

func (ts *toolSet) handleConsoleLogs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	since, err := parseSince(request.GetString("since", ""), time.Now())
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	query := eventlog.Query{
		Since: since,
		Level: request.GetString("level", ""),
		Limit: request.GetInt("limit", defaultLogLimit),
	}
	if pattern := request.GetString("pattern", ""); pattern != "" {
		match := eventlog.MatchType(request.GetString("match", string(eventlog.MatchContains)))
		query.Text, err = eventlog.NewTextFilter(match, pattern, request.GetBool("case_sensitive", false))
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
	}

	records := ts.sess.Events().Select(query)
	if records == nil {
		records = []eventlog.Record{}
	}
	return jsonResult(records)
}

func (ts *toolSet) handleConsoleClear(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	n := len(ts.sess.RecentEvents(time.Time{}))
	ts.sess.ClearEvents()
	return mcplib.NewToolResultText(fmt.Sprintf("Cleared %d console entries", n)), nil
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want an RFC3339 timestamp or a duration like 5m", s)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

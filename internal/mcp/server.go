// Package mcp exposes a Session as MCP tools over stdio. Handlers are thin:
// they parse arguments, call the session and render the outcome, turning
// every failure into an error result rather than a protocol error.
package mcp

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/session"
)

// ServerName is the name announced to MCP clients.
const ServerName = "vaultbridge"

// Options configures the tool layer.
type Options struct {
	Version       string
	ScreenshotDir string // where app_screenshot saves files; os temp dir when empty
	Logger        *zap.Logger
}

// NewServer builds an MCP server with every bridge tool registered.
func NewServer(sess *session.Session, opts Options) *server.MCPServer {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	srv := server.NewMCPServer(
		ServerName,
		opts.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	RegisterTools(srv, sess, opts)
	return srv
}

// ServeStdio runs srv on stdin/stdout until the client goes away.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

func screenshotDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}

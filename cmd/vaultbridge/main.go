package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/standardbeagle/vaultbridge/internal/config"
	"github.com/standardbeagle/vaultbridge/internal/logging"
	"github.com/standardbeagle/vaultbridge/internal/mcp"
	"github.com/standardbeagle/vaultbridge/internal/session"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath       string
	host             string
	port             int
	targetMarker     string
	websocketURL     string
	discoveryTimeout time.Duration
	connectTimeout   time.Duration
	requestTimeout   time.Duration
	eventCapacity    int
	screenshotDir    string
	debugMode        bool
	exclusive        bool
	waitFor          time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "vaultbridge",
	Short: "Drive a running desktop application through its remote debugging port",
	Long: `vaultbridge keeps one persistent remote debugging connection to a running
application and exposes it as MCP tools over stdio: evaluate JavaScript,
capture screenshots, read console output and send raw protocol methods.

The application must be started with remote debugging enabled, e.g.
  obsidian --remote-debugging-port=9222

Basic Usage:
  vaultbridge                          # Run the stdio MCP server (for MCP clients)
  vaultbridge targets                  # List debuggable targets
  vaultbridge eval 'document.title'    # Evaluate an expression once
  vaultbridge screenshot shot.png      # Capture the window
  vaultbridge console --for 30s        # Stream console output for 30s
  vaultbridge wait --timeout 1m        # Wait until the application is up

Configuration is read from ~/.vaultbridge/config.toml (or --config);
flags given on the command line override it.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.vaultbridge/config.toml)")
	flags.StringVar(&host, "host", "localhost", "Remote debugging host")
	flags.IntVarP(&port, "port", "p", 9222, "Remote debugging port")
	flags.StringVarP(&targetMarker, "marker", "m", "obsidian", "Case-insensitive text identifying the application page (URL or title)")
	flags.StringVar(&websocketURL, "ws-url", "", "Explicit page websocket URL; skips discovery")
	flags.DurationVar(&discoveryTimeout, "discovery-timeout", 5*time.Second, "Timeout for target discovery requests")
	flags.DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "Timeout for opening the connection")
	flags.DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Timeout for each protocol request")
	flags.IntVar(&eventCapacity, "event-capacity", 1000, "Number of console entries kept")
	flags.StringVar(&screenshotDir, "screenshot-dir", "", "Directory for saved screenshots (default: temp dir)")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug logging on stderr")
	flags.BoolVar(&exclusive, "exclusive", false, "Refuse to start if another bridge holds the same port")
	flags.DurationVar(&waitFor, "wait", 0, "Wait up to this long for the application to appear before running")

	rootCmd.Version = Version
	rootCmd.AddCommand(targetsCmd, evalCmd, screenshotCmd, consoleCmd, waitCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(flagOverrides(cmd))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func flagOverrides(cmd *cobra.Command) *config.Config {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	duration := func(d time.Duration) *config.Duration {
		v := config.Duration(d)
		return &v
	}

	o := &config.Config{}
	if changed("host") {
		o.Host = &host
	}
	if changed("port") {
		o.Port = &port
	}
	if changed("marker") {
		o.TargetMarker = &targetMarker
	}
	if changed("ws-url") {
		o.WebSocketURL = &websocketURL
	}
	if changed("discovery-timeout") {
		o.DiscoveryTimeout = duration(discoveryTimeout)
	}
	if changed("connect-timeout") {
		o.ConnectTimeout = duration(connectTimeout)
	}
	if changed("request-timeout") {
		o.RequestTimeout = duration(requestTimeout)
	}
	if changed("event-capacity") {
		o.EventCapacity = &eventCapacity
	}
	if changed("screenshot-dir") {
		o.ScreenshotDir = &screenshotDir
	}
	if changed("debug") {
		o.Debug = &debugMode
	}
	if changed("exclusive") {
		o.Exclusive = &exclusive
	}
	return o
}

// app is what every command needs: effective config, logger and session.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	sess   *session.Session
	lock   *config.InstanceLock
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.GetDebug())

	a := &app{cfg: cfg, logger: logger}
	if cfg.GetExclusive() {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		a.lock, err = config.AcquireInstanceLock(ctx, dir, cfg.GetPort(), time.Second)
		if err != nil {
			return nil, err
		}
		logger.Debug("instance lock acquired", zap.String("path", a.lock.Path()))
	}

	a.sess = session.New(cfg.SessionOptions(logger.Logger))

	if waitFor > 0 && cfg.GetWebSocketURL() == "" {
		waitCtx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		logger.Info("waiting for application", zap.String("endpoint", a.sess.Resolver().Endpoint()))
		if _, err := a.sess.Resolver().WaitForTarget(waitCtx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	if err := a.sess.Close(); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("failed to release instance lock", zap.Error(err))
		}
	}
	a.logger.Flush()
}

// signalContext is cancelled on the first shutdown signal.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Check if we're running in a terminal (not being piped or called by MCP client)
	if isTerminal() {
		displayServerHelp()
		return nil
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	overrides := flagOverrides(cmd)
	watcher, err := config.NewWatcher(configPath, a.logger.Logger, func(cfg *config.Config) {
		cfg.Merge(overrides)
		a.logger.SetDebug(cfg.GetDebug())
		a.logger.Info("config changed; debug logging applied, other settings take effect on restart",
			zap.Bool("debug", cfg.GetDebug()))
	})
	if err != nil {
		a.logger.Warn("config file will not be watched", zap.Error(err))
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	srv := mcp.NewServer(a.sess, mcp.Options{
		Version:       Version,
		ScreenshotDir: a.cfg.GetScreenshotDir(),
		Logger:        a.logger.Logger,
	})
	a.logger.Info("serving MCP on stdio",
		zap.String("version", Version),
		zap.String("endpoint", a.sess.Resolver().Endpoint()),
		zap.String("marker", a.cfg.GetTargetMarker()))

	// Log to stderr only; stdout carries the protocol
	if err := mcp.ServeStdio(srv); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// isTerminal checks if stdin/stdout are connected to a terminal
// This will be false when called by an MCP client through stdio
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// displayServerHelp shows how to wire the server into an MCP client
func displayServerHelp() {
	fmt.Print(`
vaultbridge is an MCP server and is meant to be started by an MCP client
(Claude Desktop, VSCode, Cursor, Windsurf, ...).

You appear to be running it from the command line directly.

1. Start the application with remote debugging enabled:

   obsidian --remote-debugging-port=9222

2. Add this configuration to your MCP client:

   {
     "servers": {
       "vaultbridge": {
         "command": "vaultbridge",
         "args": ["--port", "9222"]
       }
     }
   }

For manual testing, pipe JSON-RPC into it:

   echo '{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}' | vaultbridge

One-shot commands work from a terminal: vaultbridge targets, vaultbridge eval '1+1'.
Run 'vaultbridge --help' for all commands.
`)
}

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/vaultbridge/internal/discovery"
	"github.com/standardbeagle/vaultbridge/internal/eventlog"
	"github.com/standardbeagle/vaultbridge/internal/session"
)

var (
	evalAwait      bool
	shotFormat     string
	shotQuality    int
	consoleFor     time.Duration
	consoleLevel   string
	consoleHistory bool
	consoleGrep    string
	consoleRegex   bool
	waitTimeout    time.Duration
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List debuggable targets and mark the application page",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate a JavaScript expression in the application page",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

var screenshotCmd = &cobra.Command{
	Use:   "screenshot [file]",
	Short: "Capture the application window to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScreenshot,
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Print console output from the application page",
	Long: `Connects to the application page and prints console messages and uncaught
exceptions as they arrive. Stops after --for, or on Ctrl+C when --for is 0.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until the application page is available",
	Args:  cobra.NoArgs,
	RunE:  runWait,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version and the endpoint's browser version",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	evalCmd.Flags().BoolVar(&evalAwait, "await", true, "Await the result if it is a Promise")

	screenshotCmd.Flags().StringVarP(&shotFormat, "format", "f", session.FormatPNG, "Image format: png, jpeg or webp")
	screenshotCmd.Flags().IntVarP(&shotQuality, "quality", "q", 0, "Compression quality 0-100 (jpeg and webp only)")

	consoleCmd.Flags().DurationVar(&consoleFor, "for", 0, "Stop after this long (0 runs until interrupted)")
	consoleCmd.Flags().StringVarP(&consoleLevel, "level", "l", "", "Only print entries of this level (log, info, warn, error, debug)")
	consoleCmd.Flags().StringVarP(&consoleGrep, "grep", "g", "", "Only print entries containing this text (case-insensitive)")
	consoleCmd.Flags().BoolVar(&consoleRegex, "regex", false, "Treat --grep as a regular expression")
	consoleCmd.Flags().BoolVar(&consoleHistory, "history", false, "Also print entries buffered before the command started")

	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", time.Minute, "Give up after this long")
}

func runTargets(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	targets, err := a.sess.Resolver().ListTargets(ctx)
	if err != nil {
		return err
	}
	matched := make(map[string]bool)
	for _, t := range discovery.MatchTargets(targets, a.cfg.GetTargetMarker()) {
		matched[t.ID] = true
	}

	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintf(out, "No targets at %s\n", a.sess.Resolver().Endpoint())
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tMATCH\tTITLE\tURL")
	for _, t := range targets {
		mark := ""
		if matched[t.ID] {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, mark, t.Title, t.URL)
	}
	return w.Flush()
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	value, err := a.sess.Evaluate(ctx, args[0], evalAwait)
	if err != nil {
		return err
	}
	if value == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "undefined")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(value))
	return nil
}

func runScreenshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	var quality *int
	if cmd.Flags().Changed("quality") {
		quality = &shotQuality
	}
	data, err := a.sess.CaptureImage(ctx, shotFormat, quality)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		ext := strings.ToLower(shotFormat)
		if ext == session.FormatJPEG {
			ext = "jpg"
		}
		path = filepath.Join(a.cfg.GetScreenshotDir(), fmt.Sprintf("screenshot-%s.%s", uuid.NewString(), ext))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if consoleFor > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, consoleFor)
		defer stop()
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.sess.Connect(ctx, ""); err != nil {
		return err
	}

	query := eventlog.Query{Level: consoleLevel}
	if consoleGrep != "" {
		match := eventlog.MatchContains
		if consoleRegex {
			match = eventlog.MatchRegex
		}
		if query.Text, err = eventlog.NewTextFilter(match, consoleGrep, false); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()

	printed := int64(0)
	if !consoleHistory {
		printed = a.sess.Events().Total()
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		printed = printNewRecords(out, a.sess.Events(), printed, query)
		select {
		case <-ctx.Done():
			printNewRecords(out, a.sess.Events(), printed, query)
			return nil
		case <-ticker.C:
		}
	}
}

// printNewRecords writes the records appended since seen and returns the
// new total.
func printNewRecords(w io.Writer, log *eventlog.Log, seen int64, query eventlog.Query) int64 {
	records, total := log.Since(seen)
	for _, rec := range records {
		if !query.Match(rec) {
			continue
		}
		levelColor(rec.Level).Fprintf(w, "%s [%s] %s\n", rec.Timestamp.Format("15:04:05.000"), rec.Level, rec.Text)
	}
	return total
}

// levelColor picks the color for a console level. Color is disabled
// automatically when stdout is not a terminal.
func levelColor(level string) *color.Color {
	switch level {
	case "error", "assert":
		return color.New(color.FgRed)
	case "warn":
		return color.New(color.FgYellow)
	case "debug":
		return color.New(color.Faint)
	case "info":
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func runWait(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, waitTimeout)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	target, err := a.sess.Resolver().WaitForTarget(ctx)
	if err != nil {
		return fmt.Errorf("application did not appear within %v: %w", waitTimeout, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", target.Title, target.WebSocketDebuggerURL)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "vaultbridge %s\n", Version)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	info, err := a.sess.Resolver().Version(ctx)
	if err != nil {
		fmt.Fprintf(out, "endpoint %s: unreachable (%v)\n", a.sess.Resolver().Endpoint(), err)
		return nil
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "endpoint %s:\n%s\n", a.sess.Resolver().Endpoint(), data)
	return nil
}

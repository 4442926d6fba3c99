package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/vaultbridge/internal/cdptest"
	"github.com/standardbeagle/vaultbridge/internal/devtools"
	"github.com/standardbeagle/vaultbridge/internal/testutil"
)

// resetFlags restores every flag to its default so commands can be executed
// more than once per process.
func resetFlags(t *testing.T) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(reset)
		c.PersistentFlags().VisitAll(reset)
		for _, child := range c.Commands() {
			walk(child)
		}
	}
	walk(rootCmd)
	waitFor = 0
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newApplication(t *testing.T) (*cdptest.Server, []string) {
	t.Helper()
	srv := cdptest.NewServer(t)
	srv.AddTarget(cdptest.Target{ID: "1", Type: "page", Title: "Notes - MyApp v1.0", URL: "app://x"})
	srv.AddTarget(cdptest.Target{ID: "2", Type: "service_worker", Title: "worker", URL: "app://sw"})

	common := []string{
		"--config", filepath.Join(t.TempDir(), "missing.toml"),
		"--host", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--marker", "myapp",
	}
	return srv, common
}

func TestFlagOverridesOnlyChanged(t *testing.T) {
	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("host = \"10.0.0.5\"\nport = 9333\ntarget_marker = \"vault\"\n"), 0644))

	require.NoError(t, rootCmd.ParseFlags([]string{"--config", path, "--port", "9444", "--debug"}))
	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.GetHost(), "file value kept when flag not given")
	assert.Equal(t, 9444, cfg.GetPort(), "flag beats file")
	assert.Equal(t, "vault", cfg.GetTargetMarker())
	assert.True(t, cfg.GetDebug())
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout(), "default when neither is set")
}

func TestLoadConfigRejectsInvalidFlags(t *testing.T) {
	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })

	require.NoError(t, rootCmd.ParseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "none.toml"),
		"--port", "70000",
		"--ws-url", "http://nope",
	}))
	_, err := loadConfig(rootCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 70000 out of range")
	assert.Contains(t, err.Error(), "must start with ws://")
}

func TestTargetsCommand(t *testing.T) {
	_, common := newApplication(t)

	out, err := execute(t, append([]string{"targets"}, common...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "MATCH")
	assert.Contains(t, lines[1], "Notes - MyApp v1.0")
	assert.Contains(t, lines[1], "*")
	assert.NotContains(t, lines[2], "*")
}

func TestEvalCommand(t *testing.T) {
	srv, common := newApplication(t)
	srv.HandleResult(devtools.MethodRuntimeEvaluate, cdptest.EvaluateValue("Notes"))

	out, err := execute(t, append([]string{"eval", "document.title"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, `"Notes"`, strings.TrimSpace(out))

	srv.HandleResult(devtools.MethodRuntimeEvaluate, cdptest.EvaluateException("ReferenceError: nope is not defined"))
	_, err = execute(t, append([]string{"eval", "nope"}, common...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestEvalCommandTargetNotFound(t *testing.T) {
	srv, common := newApplication(t)
	srv.SetTargets()

	_, err := execute(t, append([]string{"eval", "1"}, common...)...)
	require.Error(t, err)
	assert.ErrorIs(t, err, devtools.ErrTargetNotFound)
}

func TestScreenshotCommand(t *testing.T) {
	srv, common := newApplication(t)
	srv.HandleResult(devtools.MethodCaptureScreenshot, map[string]any{"data": "aGVsbG8="})

	path := filepath.Join(t.TempDir(), "shots", "window.png")
	out, err := execute(t, append([]string{"screenshot", path}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, path, strings.TrimSpace(out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	dir := t.TempDir()
	out, err = execute(t, append([]string{"screenshot", "--format", "jpeg", "--quality", "70", "--screenshot-dir", dir}, common...)...)
	require.NoError(t, err)
	saved := strings.TrimSpace(out)
	assert.Equal(t, dir, filepath.Dir(saved))
	assert.True(t, strings.HasSuffix(saved, ".jpg"))

	_, err = execute(t, append([]string{"screenshot", "--format", "jpeg", "--quality", "101", path}, common...)...)
	assert.Error(t, err)
}

func TestConsoleCommand(t *testing.T) {
	srv, common := newApplication(t)

	go func() {
		if !testutil.WaitForCondition(t, 2*time.Second, func() bool { return srv.Requests(devtools.MethodRuntimeEnable) == 1 }) {
			return
		}
		// Give the command a moment to record its starting point.
		time.Sleep(50 * time.Millisecond)
		srv.Emit(devtools.EventConsoleAPICalled, cdptest.ConsoleEvent("log", time.Now(), "plugin loaded"))
		srv.Emit(devtools.EventConsoleAPICalled, cdptest.ConsoleEvent("warning", time.Now(), "slow sync"))
	}()

	out, err := execute(t, append([]string{"console", "--for", "600ms"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "[log] plugin loaded")
	assert.Contains(t, out, "[warn] slow sync")
}

func TestConsoleCommandLevelFilter(t *testing.T) {
	srv, common := newApplication(t)

	go func() {
		if !testutil.WaitForCondition(t, 2*time.Second, func() bool { return srv.Requests(devtools.MethodRuntimeEnable) == 1 }) {
			return
		}
		time.Sleep(50 * time.Millisecond)
		srv.Emit(devtools.EventConsoleAPICalled, cdptest.ConsoleEvent("log", time.Now(), "noise"))
		srv.Emit(devtools.EventConsoleAPICalled, cdptest.ConsoleEvent("error", time.Now(), "sync failed"))
		srv.Emit(devtools.EventConsoleAPICalled, cdptest.ConsoleEvent("error", time.Now(), "render failed"))
	}()

	out, err := execute(t, append([]string{"console", "--for", "600ms", "--level", "error", "--grep", "SYNC"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "sync failed")
	assert.NotContains(t, out, "noise")
	assert.NotContains(t, out, "render failed")
}

func TestWaitCommand(t *testing.T) {
	srv, common := newApplication(t)

	out, err := execute(t, append([]string{"wait", "--timeout", "2s"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, srv.WebSocketURL("1"))

	srv.SetTargets()
	_, err = execute(t, append([]string{"wait", "--timeout", "300ms"}, common...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not appear within 300ms")
}

func TestVersionCommand(t *testing.T) {
	_, common := newApplication(t)

	out, err := execute(t, append([]string{"version"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "vaultbridge dev")
	assert.Contains(t, out, "Protocol-Version")
}

func TestInstanceLockIsExclusive(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv, common := newApplication(t)
	srv.HandleResult(devtools.MethodRuntimeEvaluate, cdptest.EvaluateValue(1))

	resetFlags(t)
	t.Cleanup(func() { resetFlags(t) })
	require.NoError(t, rootCmd.ParseFlags(append([]string{"--exclusive"}, common...)))

	first, err := newApp(context.Background(), rootCmd)
	require.NoError(t, err)
	defer first.close()

	_, err = newApp(context.Background(), rootCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another bridge already holds port")
}

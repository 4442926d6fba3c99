package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ptr[T any](v T) *T { return &v }

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}

	assert.Equal(t, "localhost", cfg.GetHost())
	assert.Equal(t, 9222, cfg.GetPort())
	assert.Equal(t, "obsidian", cfg.GetTargetMarker())
	assert.Equal(t, "", cfg.GetWebSocketURL())
	assert.Equal(t, 5*time.Second, cfg.GetDiscoveryTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, 1000, cfg.GetEventCapacity())
	assert.False(t, cfg.GetDebug())
	assert.False(t, cfg.GetExclusive())
	assert.Equal(t, os.TempDir(), cfg.GetScreenshotDir())
	assert.NoError(t, cfg.Validate())

	var nilCfg *Config
	assert.Equal(t, 9222, nilCfg.GetPort())
}

func TestConfigLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
host = "127.0.0.1"
port = 9333
target_marker = "myapp"
request_timeout = "45s"
event_capacity = 200
debug = true
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.GetHost())
	assert.Equal(t, 9333, cfg.GetPort())
	assert.Equal(t, "myapp", cfg.GetTargetMarker())
	assert.Equal(t, 45*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetConnectTimeout(), "unset keys keep defaults")
	assert.Equal(t, 200, cfg.GetEventCapacity())
	assert.True(t, cfg.GetDebug())
}

func TestConfigLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "prot = 1\n", "unknown keys: prot"},
		{"bad duration", "request_timeout = \"soon\"\n", "invalid duration"},
		{"syntax", "port = \n", "load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	d := Duration(2 * time.Minute)
	cfg := &Config{Port: ptr(9444), RequestTimeout: &d, Exclusive: ptr(true)}
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `request_timeout = "2m0s"`)
	assert.NotContains(t, string(data), "host", "unset fields are omitted")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigMergeOverrideChain(t *testing.T) {
	file := &Config{Host: ptr("filehost"), Port: ptr(9333), Debug: ptr(true)}
	flags := &Config{Port: ptr(9444)}

	file.Merge(flags)
	file.Merge(nil)

	assert.Equal(t, "filehost", file.GetHost())
	assert.Equal(t, 9444, file.GetPort())
	assert.True(t, file.GetDebug())
}

func TestConfigValidate(t *testing.T) {
	zero := Duration(0)
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"port too high", &Config{Port: ptr(70000)}, "port 70000"},
		{"port zero", &Config{Port: ptr(0)}, "port 0"},
		{"empty host", &Config{Host: ptr("")}, "host"},
		{"zero timeout", &Config{ConnectTimeout: &zero}, "connect_timeout"},
		{"capacity", &Config{EventCapacity: ptr(-1)}, "event_capacity"},
		{"websocket scheme", &Config{WebSocketURL: ptr("http://x")}, "websocket_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigSessionOptions(t *testing.T) {
	cfg := &Config{Port: ptr(9333), TargetMarker: ptr("myapp"), WebSocketURL: ptr("ws://localhost:9333/devtools/page/1")}
	logger := zap.NewNop()

	opts := cfg.SessionOptions(logger)
	assert.Equal(t, "localhost", opts.Host)
	assert.Equal(t, 9333, opts.Port)
	assert.Equal(t, "myapp", opts.TargetMarker)
	assert.Equal(t, "ws://localhost:9333/devtools/page/1", opts.WebSocketURL)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)
	assert.Equal(t, 1000, opts.EventCapacity)
	assert.Same(t, logger, opts.Logger)
}

func TestInstanceLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	lock, err := AcquireInstanceLock(ctx, dir, 9222, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockPath(dir, 9222), lock.Path())

	_, err = AcquireInstanceLock(ctx, dir, 9222, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another bridge already holds port 9222")

	other, err := AcquireInstanceLock(ctx, dir, 9333, time.Second)
	require.NoError(t, err, "locks are per port")
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())
	again, err := AcquireInstanceLock(ctx, dir, 9222, time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("debug = false\n"), 0644))

	changes := make(chan *Config, 8)
	w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config) { changes <- cfg })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("debug = true\n"), 0644))
	select {
	case cfg := <-changes:
		assert.True(t, cfg.GetDebug())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcherSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	changes := make(chan *Config, 8)
	w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config) { changes <- cfg })
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("bogus_key = 1\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, w.Stop())

	assert.Empty(t, changes, "neither a different file nor an invalid config is delivered")
}

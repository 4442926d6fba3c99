// Package config loads the bridge's TOML configuration. Every field is
// optional; unset fields fall back to built-in defaults through the Get
// accessors, and a later layer (command line flags) overrides an earlier one
// through Merge.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/devtools"
	"github.com/standardbeagle/vaultbridge/internal/discovery"
	"github.com/standardbeagle/vaultbridge/internal/eventlog"
	"github.com/standardbeagle/vaultbridge/internal/session"
)

const (
	dirName  = ".vaultbridge"
	fileName = "config.toml"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the on-disk configuration.
type Config struct {
	Host             *string   `toml:"host,omitempty"`
	Port             *int      `toml:"port,omitempty"`
	TargetMarker     *string   `toml:"target_marker,omitempty"`
	WebSocketURL     *string   `toml:"websocket_url,omitempty"`
	DiscoveryTimeout *Duration `toml:"discovery_timeout,omitempty"`
	ConnectTimeout   *Duration `toml:"connect_timeout,omitempty"`
	RequestTimeout   *Duration `toml:"request_timeout,omitempty"`
	EventCapacity    *int      `toml:"event_capacity,omitempty"`
	Debug            *bool     `toml:"debug,omitempty"`
	Exclusive        *bool     `toml:"exclusive,omitempty"`
	ScreenshotDir    *string   `toml:"screenshot_dir,omitempty"`
}

// Dir returns ~/.vaultbridge.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName), nil
}

// DefaultPath returns the path to the config file
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads path, or the default path when empty. A missing file yields an
// empty config; unknown keys are an error.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return &Config{}, nil
		}
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return &cfg, nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Merge overrides c with every field set in other.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Host != nil {
		c.Host = other.Host
	}
	if other.Port != nil {
		c.Port = other.Port
	}
	if other.TargetMarker != nil {
		c.TargetMarker = other.TargetMarker
	}
	if other.WebSocketURL != nil {
		c.WebSocketURL = other.WebSocketURL
	}
	if other.DiscoveryTimeout != nil {
		c.DiscoveryTimeout = other.DiscoveryTimeout
	}
	if other.ConnectTimeout != nil {
		c.ConnectTimeout = other.ConnectTimeout
	}
	if other.RequestTimeout != nil {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.EventCapacity != nil {
		c.EventCapacity = other.EventCapacity
	}
	if other.Debug != nil {
		c.Debug = other.Debug
	}
	if other.Exclusive != nil {
		c.Exclusive = other.Exclusive
	}
	if other.ScreenshotDir != nil {
		c.ScreenshotDir = other.ScreenshotDir
	}
}

// Helper methods to get values with defaults

func (c *Config) GetHost() string {
	if c == nil || c.Host == nil {
		return discovery.DefaultHost
	}
	return *c.Host
}

func (c *Config) GetPort() int {
	if c == nil || c.Port == nil {
		return discovery.DefaultPort
	}
	return *c.Port
}

func (c *Config) GetTargetMarker() string {
	if c == nil || c.TargetMarker == nil {
		return discovery.DefaultMarker
	}
	return *c.TargetMarker
}

func (c *Config) GetWebSocketURL() string {
	if c == nil || c.WebSocketURL == nil {
		return ""
	}
	return *c.WebSocketURL
}

func (c *Config) GetDiscoveryTimeout() time.Duration {
	if c == nil || c.DiscoveryTimeout == nil {
		return discovery.DefaultTimeout
	}
	return time.Duration(*c.DiscoveryTimeout)
}

func (c *Config) GetConnectTimeout() time.Duration {
	if c == nil || c.ConnectTimeout == nil {
		return devtools.DefaultConnectTimeout
	}
	return time.Duration(*c.ConnectTimeout)
}

func (c *Config) GetRequestTimeout() time.Duration {
	if c == nil || c.RequestTimeout == nil {
		return devtools.DefaultRequestTimeout
	}
	return time.Duration(*c.RequestTimeout)
}

func (c *Config) GetEventCapacity() int {
	if c == nil || c.EventCapacity == nil {
		return eventlog.DefaultCapacity
	}
	return *c.EventCapacity
}

func (c *Config) GetDebug() bool {
	return c != nil && c.Debug != nil && *c.Debug
}

func (c *Config) GetExclusive() bool {
	return c != nil && c.Exclusive != nil && *c.Exclusive
}

func (c *Config) GetScreenshotDir() string {
	if c == nil || c.ScreenshotDir == nil || *c.ScreenshotDir == "" {
		return os.TempDir()
	}
	return *c.ScreenshotDir
}

// Validate checks the effective values.
func (c *Config) Validate() error {
	var errs []error
	if port := c.GetPort(); port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", port))
	}
	if c.GetHost() == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"discovery_timeout", c.GetDiscoveryTimeout()},
		{"connect_timeout", c.GetConnectTimeout()},
		{"request_timeout", c.GetRequestTimeout()},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", t.name, t.value))
		}
	}
	if n := c.GetEventCapacity(); n <= 0 {
		errs = append(errs, fmt.Errorf("event_capacity must be positive, got %d", n))
	}
	if u := c.GetWebSocketURL(); u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("websocket_url %q must start with ws:// or wss://", u))
	}
	return errors.Join(errs...)
}

// SessionOptions builds the session options record from the effective values.
func (c *Config) SessionOptions(logger *zap.Logger) session.Options {
	return session.Options{
		Host:             c.GetHost(),
		Port:             c.GetPort(),
		TargetMarker:     c.GetTargetMarker(),
		WebSocketURL:     c.GetWebSocketURL(),
		DiscoveryTimeout: c.GetDiscoveryTimeout(),
		ConnectTimeout:   c.GetConnectTimeout(),
		RequestTimeout:   c.GetRequestTimeout(),
		EventCapacity:    c.GetEventCapacity(),
		Logger:           logger,
	}
}

// Package discovery finds the application's page among the targets listed
// by a remote debugging endpoint's HTTP interface.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/devtools"
)

// Defaults applied when Options leaves a field unset.
const (
	DefaultHost    = "localhost"
	DefaultPort    = 9222
	DefaultTimeout = 5 * time.Second
	DefaultMarker  = "obsidian"
)

// Target is one inspectable entry of the discovery listing.
type Target struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	Description          string `json:"description,omitempty"`
}

// VersionInfo is the endpoint's /json/version document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Options configures a Resolver.
type Options struct {
	Host       string
	Port       int
	Timeout    time.Duration // per discovery request
	Marker     string        // case-insensitive, matched against URL and title
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Marker == "" {
		o.Marker = DefaultMarker
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Resolver queries the discovery interface. It holds no state between calls.
type Resolver struct {
	opts   Options
	logger *zap.Logger
}

// NewResolver creates a resolver for host:port.
func NewResolver(opts Options) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{opts: opts, logger: opts.Logger}
}

// Endpoint returns the base URL of the discovery interface.
func (r *Resolver) Endpoint() string {
	return "http://" + net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
}

// Port returns the configured endpoint port.
func (r *Resolver) Port() int {
	return r.opts.Port
}

// ListTargets fetches /json. The request is bounded by the resolver timeout
// even when ctx has no deadline.
func (r *Resolver) ListTargets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := r.getJSON(ctx, "/json", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Version fetches /json/version.
func (r *Resolver) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := r.getJSON(ctx, "/json/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FindApplicationTarget returns the first page whose URL or title contains
// the marker, or nil when none does. With several candidates the first one
// in endpoint order wins.
func (r *Resolver) FindApplicationTarget(ctx context.Context) (*Target, error) {
	targets, err := r.ListTargets(ctx)
	if err != nil {
		return nil, err
	}

	matches := MatchTargets(targets, r.opts.Marker)
	if len(matches) == 0 {
		r.logger.Debug("no matching target",
			zap.String("marker", r.opts.Marker),
			zap.Int("targets", len(targets)))
		return nil, nil
	}
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		r.logger.Debug("multiple targets match; using the first",
			zap.String("marker", r.opts.Marker),
			zap.Strings("ids", ids))
	}
	target := matches[0]
	return &target, nil
}

// WaitForTarget polls FindApplicationTarget with exponential backoff until a
// target appears or ctx ends. Discovery failures are retried.
func (r *Resolver) WaitForTarget(ctx context.Context) (*Target, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(0),
	)

	var lastErr error
	target, err := backoff.RetryNotifyWithData(
		func() (*Target, error) {
			t, err := r.FindApplicationTarget(ctx)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return nil, &devtools.Error{Kind: devtools.KindTargetNotFound, Port: r.opts.Port}
			}
			return t, nil
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			lastErr = err
			r.logger.Debug("waiting for target", zap.Error(err), zap.Duration("retry_in", next))
		},
	)
	if err != nil {
		if ctx.Err() != nil && lastErr != nil {
			return nil, errors.Join(lastErr, err)
		}
		return nil, err
	}
	return target, nil
}

// MatchTargets keeps the pages whose URL or title contains marker,
// case-insensitively, preserving order.
func MatchTargets(targets []Target, marker string) []Target {
	marker = strings.ToLower(marker)
	var matches []Target
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if strings.Contains(strings.ToLower(t.URL), marker) || strings.Contains(strings.ToLower(t.Title), marker) {
			matches = append(matches, t)
		}
	}
	return matches
}

func (r *Resolver) getJSON(ctx context.Context, path string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.Endpoint()+path, nil)
	if err != nil {
		return fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return &devtools.Error{Kind: devtools.KindDiscoveryTimeout, Port: r.opts.Port, Timeout: r.opts.Timeout, Err: err}
		}
		return fmt.Errorf("discovery request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discovery request %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return &devtools.Error{Kind: devtools.KindDiscoveryTimeout, Port: r.opts.Port, Timeout: r.opts.Timeout, Err: err}
		}
		return fmt.Errorf("decode discovery response %s: %w", path, err)
	}
	return nil
}

// Package session is the bridge's public entry point. A Session owns the
// target resolver, the console event log and at most one live transport,
// connecting on demand and sharing a single in-flight connect between
// concurrent callers.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/vaultbridge/internal/devtools"
	"github.com/standardbeagle/vaultbridge/internal/discovery"
	"github.com/standardbeagle/vaultbridge/internal/eventlog"
)

// Options is the plain configuration record of a Session.
type Options struct {
	Host             string
	Port             int
	TargetMarker     string
	WebSocketURL     string // skips discovery when set
	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	EventCapacity    int

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		Host:             discovery.DefaultHost,
		Port:             discovery.DefaultPort,
		TargetMarker:     discovery.DefaultMarker,
		DiscoveryTimeout: discovery.DefaultTimeout,
		ConnectTimeout:   devtools.DefaultConnectTimeout,
		RequestTimeout:   devtools.DefaultRequestTimeout,
		EventCapacity:    eventlog.DefaultCapacity,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.TargetMarker == "" {
		o.TargetMarker = d.TargetMarker
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.EventCapacity <= 0 {
		o.EventCapacity = d.EventCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Session is the facade over resolver, transport and event log.
type Session struct {
	opts     Options
	logger   *zap.Logger
	resolver *discovery.Resolver
	events   *eventlog.Log
	flight   singleflight.Group

	mu         sync.Mutex
	state      State
	transport  *devtools.Transport
	target     *discovery.Target
	setup      map[string]bool
	history    []StateTransition
	generation uint64
	// cancelConnect aborts the connect attempt in flight, if any.
	cancelConnect context.CancelFunc
}

// New creates a disconnected session. Nothing is dialed until the first
// Connect, Call or Evaluate.
func New(opts Options) *Session {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("session", uuid.NewString()[:8]))
	return &Session{
		opts:   opts,
		logger: logger,
		resolver: discovery.NewResolver(discovery.Options{
			Host:       opts.Host,
			Port:       opts.Port,
			Timeout:    opts.DiscoveryTimeout,
			Marker:     opts.TargetMarker,
			HTTPClient: opts.HTTPClient,
			Logger:     logger,
		}),
		events: eventlog.New(opts.EventCapacity),
		setup:  make(map[string]bool),
	}
}

// Options returns the effective options, defaults applied.
func (s *Session) Options() Options {
	return s.opts
}

// Resolver exposes the session's target resolver.
func (s *Session) Resolver() *discovery.Resolver {
	return s.resolver
}

// Connect makes the session ready. It returns at once when already
// connected; concurrent callers join the connect already in flight, in which
// case their explicitURL is ignored. With no explicit URL the configured
// WebSocketURL is used, else the target is discovered.
func (s *Session) Connect(ctx context.Context, explicitURL string) error {
	if s.IsConnected() {
		return nil
	}

	// The shared attempt must not die with whichever caller started it.
	connectCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan("connect", func() (any, error) {
		return nil, s.connect(connectCtx, explicitURL)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context, explicitURL string) error {
	s.mu.Lock()
	if s.state == StateConnected && s.transport != nil && s.transport.State() == devtools.StateReady {
		s.mu.Unlock()
		return nil
	}
	stale := s.transport
	if stale != nil {
		// Dropped but not yet noticed by watch.
		s.transport = nil
		s.target = nil
		s.setup = make(map[string]bool)
	}
	gen := s.generation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelConnect = cancel
	s.setStateLocked(StateConnecting, "connect requested")
	s.mu.Unlock()
	defer s.clearConnect(gen)

	if stale != nil {
		stale.Close()
	}

	url := explicitURL
	if url == "" {
		url = s.opts.WebSocketURL
	}

	var target *discovery.Target
	if url == "" {
		var err error
		target, err = s.resolver.FindApplicationTarget(ctx)
		if err != nil {
			if s.closedSince(gen) {
				return &devtools.Error{Kind: devtools.KindConnectionClosed, Detail: "session closed while connecting", Err: err}
			}
			s.connectFailed(gen, err)
			return err
		}
		if target == nil {
			err = &devtools.Error{Kind: devtools.KindTargetNotFound, Port: s.opts.Port}
			s.connectFailed(gen, err)
			return err
		}
		url = target.WebSocketDebuggerURL
	}

	s.logger.Info("connecting", zap.String("url", url))
	tr := devtools.NewTransport(devtools.Options{
		RequestTimeout: s.opts.RequestTimeout,
		ConnectTimeout: s.opts.ConnectTimeout,
		Dialer:         s.opts.Dialer,
		Events:         s.events,
		Logger:         s.logger,
	})
	if err := tr.Open(ctx, url); err != nil {
		if s.closedSince(gen) {
			return &devtools.Error{Kind: devtools.KindConnectionClosed, Detail: "session closed while connecting", Err: err}
		}
		s.logger.Warn("connect failed", zap.String("url", url), zap.Error(err))
		s.connectFailed(gen, err)
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		tr.Close()
		return &devtools.Error{Kind: devtools.KindConnectionClosed, Detail: "session closed while connecting"}
	}
	s.transport = tr
	s.target = target
	s.setup = make(map[string]bool)
	s.setStateLocked(StateConnected, url)
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("url", url))
	go s.watch(tr)
	return nil
}

// clearConnect forgets the cancel func of the attempt started at gen.
func (s *Session) clearConnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.cancelConnect = nil
	}
}

func (s *Session) closedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

func (s *Session) connectFailed(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen && s.state == StateConnecting {
		s.setStateLocked(StateDisconnected, err.Error())
	}
}

// watch resets the session when tr goes away on its own.
func (s *Session) watch(tr *devtools.Transport) {
	<-tr.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != tr {
		return
	}
	reason := "connection closed"
	if err := tr.Err(); err != nil {
		reason = "connection lost: " + err.Error()
	}
	s.logger.Info("connection lost", zap.Error(tr.Err()))
	s.resetLocked(reason)
}

func (s *Session) resetLocked(reason string) {
	s.transport = nil
	s.target = nil
	s.setup = make(map[string]bool)
	s.generation++
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, reason)
	}
}

func (s *Session) setStateLocked(to State, reason string) {
	if s.state == to {
		return
	}
	s.history = appendTransition(s.history, StateTransition{
		From:      s.state,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	s.logger.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", to), zap.String("reason", reason))
	s.state = to
}

// ready returns the live transport, connecting first if needed.
func (s *Session) ready(ctx context.Context) (*devtools.Transport, error) {
	if tr := s.liveTransport(); tr != nil {
		return tr, nil
	}
	if err := s.Connect(ctx, ""); err != nil {
		return nil, err
	}
	if tr := s.liveTransport(); tr != nil {
		return tr, nil
	}
	return nil, &devtools.Error{Kind: devtools.KindNotConnected, Detail: "connection dropped right after connect"}
}

func (s *Session) liveTransport() *devtools.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.transport == nil || s.transport.State() != devtools.StateReady {
		return nil
	}
	return s.transport
}

// Call sends a raw protocol method, connecting first if needed.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	tr, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	return tr.Send(ctx, method, params)
}

// RecentEvents returns captured console events, oldest first. A zero since
// returns everything; otherwise only records at or after since.
func (s *Session) RecentEvents(since time.Time) []eventlog.Record {
	return s.events.Recent(since)
}

// ClearEvents empties the event log.
func (s *Session) ClearEvents() {
	s.events.Clear()
}

// Events exposes the underlying log.
func (s *Session) Events() *eventlog.Log {
	return s.events
}

// IsConnected reports whether a ready transport is live.
func (s *Session) IsConnected() bool {
	return s.liveTransport() != nil
}

// Close tears the transport down, fails its pending requests and forgets
// one-time setup so the next connection redoes it. A connect in flight is
// aborted and later callers start a fresh one. Captured events are kept.
func (s *Session) Close() error {
	s.mu.Lock()
	tr := s.transport
	cancel := s.cancelConnect
	s.cancelConnect = nil
	s.resetLocked("closed")
	s.flight.Forget("connect")
	s.mu.Unlock()

	if cancel != nil {
		s.logger.Info("aborting connect in progress")
		cancel()
	}

	if tr == nil {
		return nil
	}
	s.logger.Info("disconnecting", zap.String("url", tr.URL()))
	return tr.Close()
}

// Status is a snapshot of the session for diagnostics.
type Status struct {
	State         State             `json:"state"`
	Connected     bool              `json:"connected"`
	URL           string            `json:"url,omitempty"`
	Target        *discovery.Target `json:"target,omitempty"`
	Transport     *devtools.Stats   `json:"transport,omitempty"`
	Events        int               `json:"events"`
	EventCapacity int               `json:"event_capacity"`
	EventsDropped int64             `json:"events_dropped"`
	SetupMarkers  []string          `json:"setup_markers,omitempty"`
	History       []StateTransition `json:"history,omitempty"`
}

// Status reports the current state and recent transitions.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:   s.state,
		History: append([]StateTransition(nil), s.history...),
	}
	if s.target != nil {
		target := *s.target
		st.Target = &target
	}
	for name := range s.setup {
		st.SetupMarkers = append(st.SetupMarkers, name)
	}
	tr := s.transport
	s.mu.Unlock()

	sort.Strings(st.SetupMarkers)
	if tr != nil {
		stats := tr.Stats()
		st.Transport = &stats
		st.URL = tr.URL()
		st.Connected = st.State == StateConnected && stats.State == devtools.StateReady
	}
	st.Events = s.events.Len()
	st.EventCapacity = s.events.Cap()
	st.EventsDropped = s.events.Dropped()
	return st
}

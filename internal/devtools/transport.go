package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/eventlog"
)

// Default timeouts applied when Options leaves them unset.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateIdle       State = iota // no socket
	StateConnecting              // socket open, subscription not confirmed
	StateReady                   // accepting calls
	StateClosed                  // socket gone, pending requests failed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Transport.
type Options struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
	Events         *eventlog.Log // console events are dropped when nil
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Stats is a point-in-time view of a Transport.
type Stats struct {
	State        State     `json:"state"`
	Pending      int       `json:"pending"`
	LastID       int64     `json:"last_id"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Transport owns one websocket connection. Requests are correlated by a
// strictly increasing id; responses may arrive in any order and each
// request settles exactly once: by its response, its timeout, or the
// connection closing.
//
// The pending table is owned by the dispatch loop (run). Everything else
// talks to it over channels.
type Transport struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	url        string
	conn       *websocket.Conn
	running    bool
	closing    bool
	closeCause error
	closeErr   error
	openedAt   time.Time

	writeMu      sync.Mutex
	nextID       atomic.Int64
	lastActivity atomic.Int64

	registerCh chan *pendingRequest
	abandonCh  chan int64
	timeoutCh  chan int64
	inboundCh  chan []byte
	readDone   chan error
	statsCh    chan chan int

	done      chan struct{}
	closeOnce sync.Once
}

// NewTransport creates an idle transport.
func NewTransport(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:       opts,
		logger:     opts.Logger,
		state:      StateIdle,
		registerCh: make(chan *pendingRequest),
		abandonCh:  make(chan int64),
		timeoutCh:  make(chan int64),
		inboundCh:  make(chan []byte),
		readDone:   make(chan error),
		statsCh:    make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Open dials url, subscribes to console events and moves the transport to
// Ready. A failed subscription is logged and does not prevent Ready. If the
// transport is not Ready within the connect timeout the socket is torn down
// and a connect timeout error is returned.
func (t *Transport) Open(ctx context.Context, url string) error {
	t.mu.Lock()
	if t.state != StateIdle {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transport already used (state %s)", state)
	}
	t.state = StateConnecting
	t.url = url
	t.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	t.logger.Debug("dialing", zap.String("url", url))
	conn, _, err := t.opts.Dialer.DialContext(openCtx, url, nil)
	if err != nil {
		if ctx.Err() == nil && openCtx.Err() != nil {
			err = &Error{Kind: KindConnectTimeout, Timeout: t.opts.ConnectTimeout, Err: err}
		} else if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = ClassifyDialError(url, err)
		}
		t.finish(err)
		return err
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close()
		err := &Error{Kind: KindConnectionClosed, Detail: "closed while connecting"}
		t.finish(err)
		return err
	}
	t.conn = conn
	t.running = true
	t.openedAt = time.Now()
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.run(conn)

	_, err = t.send(openCtx, MethodRuntimeEnable, nil)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		t.abort(ctx.Err())
		return ctx.Err()
	case openCtx.Err() != nil:
		timeoutErr := &Error{Kind: KindConnectTimeout, Timeout: t.opts.ConnectTimeout}
		t.abort(timeoutErr)
		return timeoutErr
	case errors.Is(err, ErrConnectionClosed):
		return err
	default:
		t.logger.Warn("console subscription failed; continuing without console capture", zap.Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnecting {
		return &Error{Kind: KindConnectionClosed, Detail: "closed while connecting", Err: t.closeErr}
	}
	t.state = StateReady
	t.logger.Debug("transport ready", zap.String("url", url))
	return nil
}

// Send issues method with params and waits for its outcome. It fails with
// ErrNotConnected unless the transport is Ready; it does not connect.
func (t *Transport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch state := t.State(); state {
	case StateReady:
	case StateClosed:
		return nil, &Error{Kind: KindConnectionClosed, Method: method}
	default:
		return nil, &Error{Kind: KindNotConnected, Method: method, Detail: "transport is " + state.String()}
	}
	return t.send(ctx, method, params)
}

func (t *Transport) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	p := newPendingRequest(id, method)
	select {
	case t.registerCh <- p:
	case <-t.done:
		return nil, &Error{Kind: KindConnectionClosed, Method: method, Err: t.Err()}
	}

	if err := t.write(data); err != nil {
		t.abandon(id)
		select {
		case res := <-p.done:
			if KindOf(res.err) == KindConnectionClosed {
				return nil, res.err
			}
		default:
		}
		return nil, &Error{Kind: KindTransport, Method: method, Detail: "write", Err: err}
	}

	select {
	case res := <-p.done:
		return res.value, res.err
	case <-ctx.Done():
		t.abandon(id)
		return nil, ctx.Err()
	}
}

func (t *Transport) write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.opts.RequestTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// abandon drops a pending request without settling it for the caller.
func (t *Transport) abandon(id int64) {
	select {
	case t.abandonCh <- id:
	case <-t.done:
	}
}

// readLoop forwards text frames to the dispatch loop until the socket fails.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.readDone <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		t.inboundCh <- data
	}
}

// run is the dispatch loop. It owns the pending table.
func (t *Transport) run(conn *websocket.Conn) {
	table := newPendingTable()
	var cause error

	defer func() {
		t.mu.Lock()
		if t.closing {
			cause = t.closeCause
		}
		t.mu.Unlock()

		for _, p := range table.drain() {
			p.settle(result{err: &Error{Kind: KindConnectionClosed, Method: p.method, Err: cause}})
		}
		conn.Close()
		t.finish(cause)
	}()

	for {
		select {
		case p := <-t.registerCh:
			if !table.add(p) {
				p.settle(result{err: fmt.Errorf("duplicate correlation id %d", p.id)})
				continue
			}
			id := p.id
			p.timer = time.AfterFunc(t.opts.RequestTimeout, func() {
				select {
				case t.timeoutCh <- id:
				case <-t.done:
				}
			})

		case id := <-t.timeoutCh:
			if p, ok := table.take(id); ok {
				t.logger.Debug("request timed out", zap.Int64("id", id), zap.String("method", p.method))
				p.settle(result{err: &Error{Kind: KindRequestTimeout, Method: p.method, Timeout: t.opts.RequestTimeout}})
			}

		case id := <-t.abandonCh:
			if p, ok := table.take(id); ok {
				p.settle(result{err: context.Canceled})
			}

		case data := <-t.inboundCh:
			t.dispatch(table, data)

		case reply := <-t.statsCh:
			reply <- table.len()

		case err := <-t.readDone:
			cause = err
			return
		}
	}
}

func (t *Transport) dispatch(table *pendingTable, data []byte) {
	t.lastActivity.Store(time.Now().UnixNano())

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	if frame.isNotification() {
		t.handleNotification(frame.Method, frame.Params)
		return
	}
	if frame.ID == 0 {
		return
	}

	p, ok := table.take(frame.ID)
	if !ok {
		// Already timed out, abandoned, or never ours.
		t.logger.Debug("discarding response for unknown id", zap.Int64("id", frame.ID))
		return
	}
	if frame.Error != nil {
		p.settle(result{err: fmt.Errorf("%s: %w", p.method, frame.Error)})
		return
	}
	p.settle(result{value: frame.Result})
}

func (t *Transport) handleNotification(method string, params json.RawMessage) {
	if t.opts.Events == nil {
		return
	}
	if method != EventConsoleAPICalled && method != EventExceptionThrown {
		return
	}
	rec, ok := NormalizeEvent(method, params)
	if !ok {
		t.logger.Debug("dropping malformed console event", zap.String("method", method))
		return
	}
	t.opts.Events.Append(rec)
}

// abort tears the socket down and waits for pending requests to be failed.
func (t *Transport) abort(cause error) {
	t.mu.Lock()
	t.closing = true
	t.closeCause = cause
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-t.done
}

func (t *Transport) finish(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		t.closeErr = cause
		t.mu.Unlock()
		close(t.done)
	})
}

// Close closes the socket and fails every pending request with
// ErrConnectionClosed. It returns once the pending table is empty.
func (t *Transport) Close() error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	switch state {
	case StateClosed:
		return nil
	case StateIdle:
		t.finish(nil)
		return nil
	}

	t.abort(nil)
	return nil
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// URL returns the websocket URL passed to Open.
func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Done is closed once the transport reaches Closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport closed; nil for a client-initiated Close.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Stats reports liveness and the size of the pending table.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	stats := Stats{
		State:    t.state,
		LastID:   t.nextID.Load(),
		OpenedAt: t.openedAt,
	}
	running := t.running
	t.mu.Unlock()

	if last := t.lastActivity.Load(); last > 0 {
		stats.LastActivity = time.Unix(0, last)
	}
	if !running {
		return stats
	}

	reply := make(chan int, 1)
	select {
	case t.statsCh <- reply:
		stats.Pending = <-reply
	case <-t.done:
	}
	return stats
}

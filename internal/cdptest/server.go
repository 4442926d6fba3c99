// Package cdptest provides a scripted remote debugging endpoint for tests:
// the discovery HTTP interface plus a websocket that answers requests
// through per-method handlers.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Request is an inbound request as seen by the fake endpoint.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a protocol error returned in a response frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Reply describes how the endpoint answers one request.
type Reply struct {
	Result    any
	Error     *Error
	Delay     time.Duration // wait before answering
	NoReply   bool          // never answer
	Duplicate bool          // send the response twice
}

// Handler produces the reply for a request.
type Handler func(req Request) Reply

// Target is one entry of the discovery listing. WebSocketURL defaults to
// the server's own page socket for ID.
type Target struct {
	ID           string
	Title        string
	Type         string
	URL          string
	WebSocketURL string
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake remote debugging endpoint.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu             sync.Mutex
	targets        []Target
	handlers       map[string]Handler
	conns          map[*wsConn]struct{}
	requests       map[string]int
	discoveryDelay time.Duration
	discoveryCode  int

	connections atomic.Int64
	closeOnce   sync.Once
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
// Runtime.enable answers with an empty result by default.
func NewServer(t testing.TB) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*wsConn]struct{}),
		requests: make(map[string]int),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.HandleResult("Runtime.enable", map[string]any{})

	router := mux.NewRouter()
	router.HandleFunc("/json", s.handleList).Methods("GET")
	router.HandleFunc("/json/list", s.handleList).Methods("GET")
	router.HandleFunc("/json/version", s.handleVersion).Methods("GET")
	router.HandleFunc("/devtools/page/{id}", s.handleSocket)

	s.httpServer = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// Host returns the host the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.httpServer.Listener.Addr().String())
	return host
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.httpServer.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// WebSocketURL returns the page socket URL for a target id.
func (s *Server) WebSocketURL(id string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", s.httpServer.Listener.Addr().String(), id)
}

// AddTarget appends a target to the discovery listing.
func (s *Server) AddTarget(target Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
}

// SetTargets replaces the discovery listing.
func (s *Server) SetTargets(targets ...Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append([]Target(nil), targets...)
}

// SetDiscoveryDelay delays every discovery response.
func (s *Server) SetDiscoveryDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryDelay = d
}

// SetDiscoveryStatus makes discovery answer with an HTTP error status.
func (s *Server) SetDiscoveryStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveryCode = code
}

// Handle installs the handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult answers method with a fixed result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(Request) Reply { return Reply{Result: result} })
}

// HandleError answers method with a protocol error.
func (s *Server) HandleError(method string, code int, message string) {
	s.Handle(method, func(Request) Reply { return Reply{Error: &Error{Code: code, Message: message}} })
}

// Hold makes method never answer.
func (s *Server) Hold(method string) {
	s.Handle(method, func(Request) Reply { return Reply{NoReply: true} })
}

// Emit sends a notification to every connected socket.
func (s *Server) Emit(method string, params any) {
	data, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		panic(err)
	}
	s.EmitRaw(string(data))
}

// EmitRaw sends a raw text frame to every connected socket.
func (s *Server) EmitRaw(frame string) {
	for _, c := range s.liveConns() {
		_ = c.write([]byte(frame))
	}
}

// DropConnections closes every connected socket without a close handshake.
func (s *Server) DropConnections() {
	for _, c := range s.liveConns() {
		c.conn.Close()
	}
}

// Connections returns how many sockets were ever accepted.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// LiveConnections returns how many sockets are currently open.
func (s *Server) LiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests returns how many requests for method were received.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

// Close drops all sockets and stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.DropConnections()
		s.httpServer.Close()
	})
}

func (s *Server) liveConns() []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.discoveryDelay
	code := s.discoveryCode
	targets := append([]Target(nil), s.targets...)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}

	list := make([]map[string]string, 0, len(targets))
	for _, target := range targets {
		wsURL := target.WebSocketURL
		if wsURL == "" {
			wsURL = s.WebSocketURL(target.ID)
		}
		list = append(list, map[string]string{
			"id":                   target.ID,
			"title":                target.Title,
			"type":                 target.Type,
			"url":                  target.URL,
			"webSocketDebuggerUrl": wsURL,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "Chrome/120.0.6099.291",
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 cdptest",
		"V8-Version":           "12.0.267.19",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/browser/cdptest", s.httpServer.Listener.Addr().String()),
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.hasTarget(id) {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.connections.Add(1)

	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		go s.answer(c, req)
	}
}

func (s *Server) hasTarget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range s.targets {
		if target.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) answer(c *wsConn, req Request) {
	s.mu.Lock()
	s.requests[req.Method]++
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()

	reply := Reply{Error: &Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", req.Method)}}
	if ok {
		reply = handler(req)
	}
	if reply.NoReply {
		return
	}
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}

	frame := map[string]any{"id": req.ID}
	if reply.Error != nil {
		frame["error"] = reply.Error
	} else {
		result := reply.Result
		if result == nil {
			result = map[string]any{}
		}
		frame["result"] = result
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.write(data)
	if reply.Duplicate {
		_ = c.write(data)
	}
}

package devtools

import (
	"encoding/json"
	"time"
)

// result settles a pending request.
type result struct {
	value json.RawMessage
	err   error
}

// pendingRequest is one outstanding call waiting for its response.
type pendingRequest struct {
	id     int64
	method string
	sentAt time.Time
	timer  *time.Timer
	done   chan result // buffered, receives exactly one value
}

func newPendingRequest(id int64, method string) *pendingRequest {
	return &pendingRequest{
		id:     id,
		method: method,
		sentAt: time.Now(),
		done:   make(chan result, 1),
	}
}

// settle delivers the outcome. Callers must have removed the request from
// its table first so this runs once per request.
func (p *pendingRequest) settle(res result) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}

// pendingTable maps correlation ids to outstanding requests. It is owned by
// the transport's dispatch loop and is not safe for concurrent use.
type pendingTable struct {
	entries map[int64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int64]*pendingRequest)}
}

// add registers p. It reports false if the id is already present.
func (t *pendingTable) add(p *pendingRequest) bool {
	if _, exists := t.entries[p.id]; exists {
		return false
	}
	t.entries[p.id] = p
	return true
}

// take removes and returns the request for id.
func (t *pendingTable) take(id int64) (*pendingRequest, bool) {
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

// drain removes and returns every outstanding request.
func (t *pendingTable) drain() []*pendingRequest {
	all := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		all = append(all, p)
		delete(t.entries, id)
	}
	return all
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

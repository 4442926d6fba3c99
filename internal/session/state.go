package session

import "time"

// State is the facade's connection state.
type State int

const (
	StateDisconnected State = iota // no transport
	StateConnecting                // resolve + open in flight
	StateConnected                 // transport ready
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateTransition records a state change
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

const maxHistory = 50

// appendTransition keeps the most recent maxHistory transitions.
func appendTransition(history []StateTransition, tr StateTransition) []StateTransition {
	history = append(history, tr)
	if len(history) > maxHistory {
		history = append([]StateTransition(nil), history[len(history)-maxHistory:]...)
	}
	return history
}

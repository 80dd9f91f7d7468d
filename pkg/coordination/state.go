package coordination

import "time"

// State is the connection state of a Session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateSuspended
	StateLost
	StateReconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateLost:
		return "lost"
	case StateReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Live reports whether the session can serve requests in this state.
func (s State) Live() bool {
	return s == StateConnected || s == StateReconnected
}

// StateEvent is delivered to session listeners.
type StateEvent struct {
	State State
	// Epoch identifies the live period the event belongs to. It increments
	// every time the session becomes live again after a loss.
	Epoch uint64
	At    time.Time
}

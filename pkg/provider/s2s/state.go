package s2s

// State is the lifecycle state of a session.
type State int

const (
	// StateDisconnected is the initial state: no connection attempt yet.
	StateDisconnected State = iota

	// StateConnecting covers dialing and the setup exchange. Outbound messages
	// are queued.
	StateConnecting

	// StateOpen means the setup message was sent and the queue drained.
	StateOpen

	// StateClosed is terminal.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether from → to is a legal lifecycle step.
func canTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting || to == StateClosed
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosed
	}
	return false
}

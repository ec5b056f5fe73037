package eventserver

// State is the connection state machine position. Exactly one live instance
// of connection state exists process-wide; the service owns it and everyone
// else reads it through snapshots.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateChange is what state subscribers receive. Reason is populated for
// error states (e.g. the server's auth rejection reason).
type StateChange struct {
	State  State
	Reason string
}

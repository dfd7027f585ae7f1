package session

// ConnectionState is the lifecycle state of a session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAnnouncing
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAnnouncing:
		return "ANNOUNCING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientState is a client's registration state as the server sees it.
type ClientState int

const (
	ClientUnannounced ClientState = iota
	ClientAnnounced
	ClientRemoved
)

// String returns the string representation of the state.
func (s ClientState) String() string {
	switch s {
	case ClientUnannounced:
		return "UNANNOUNCED"
	case ClientAnnounced:
		return "ANNOUNCED"
	case ClientRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

package delivery

// State is the phase a delivery attempt is in.
type State int

const (
	StateReceived State = iota
	StateResolvingDestination
	StateAwaitingLock
	StateConnected
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolvingDestination:
		return "resolving_destination"
	case StateAwaitingLock:
		return "awaiting_lock"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

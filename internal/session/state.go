package session

// State is the session lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateAcquiring
	StateActive
	StateRenewing
	StateClosed
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateAcquiring:
		return "ACQUIRING"
	case StateActive:
		return "ACTIVE"
	case StateRenewing:
		return "RENEWING"
	case StateClosed:
		return "CLOSED"
	case StateShutDown:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

package uplink

// ConnState is the lifecycle state of a supervised uplink connection.
// Exactly one state holds at a time; transitions are driven solely by the
// owning Client.
type ConnState int32

const (
	// StateIdle means no connection exists and none is wanted.
	StateIdle ConnState = iota
	// StateConnecting means a transport dial is in flight.
	StateConnecting
	// StateOpen means the transport is established and sends are accepted.
	StateOpen
	// StateRetrying means the last attempt failed and a backoff timer is
	// armed (or an early retry is about to fire).
	StateRetrying
	// StateFailed is terminal for the session: retry attempts are exhausted
	// and only an explicit Start begins a new session.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

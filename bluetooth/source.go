// Package bluetooth connects to the Friend pendant over BlueZ and
// supervises its notification streams. Each stream kind (audio, button,
// battery) runs its own listener machine against a StreamSource, so a
// flapping battery characteristic cannot take down audio capture.
package bluetooth

import "context"

// StreamSource is the capability record one stream kind plugs into a
// listener: how to open its notification channel, how to close it, and
// where packets land. GATT characteristics implement it in production;
// tests substitute fakes.
type StreamSource interface {
	// Kind names the stream ("audio", "button", "battery").
	Kind() string
	// Open subscribes to the stream. Packets are delivered to onData in
	// arrival order; a terminal stream failure after a successful Open is
	// reported to onError at most once. Open returning an error means the
	// subscription never became active.
	Open(ctx context.Context, onData func([]byte), onError func(error)) error
	// Close tears the subscription down. It is safe to call after a
	// failure and when no subscription is active.
	Close() error
}

// StreamState is the lifecycle state of one stream listener.
type StreamState int32

const (
	// StreamIdle means the listener is not running.
	StreamIdle StreamState = iota
	// StreamSubscribing means a subscription attempt is in flight.
	StreamSubscribing
	// StreamActive means notifications are flowing.
	StreamActive
	// StreamRetrying means the last attempt failed and a jittered backoff
	// timer is armed.
	StreamRetrying
	// StreamFailed is terminal: the retry budget is spent and only a
	// restart resumes the stream.
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamSubscribing:
		return "subscribing"
	case StreamActive:
		return "active"
	case StreamRetrying:
		return "retrying"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name for status payloads.
func (s StreamState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// StreamStatus is a snapshot of one listener's observable state. Packet
// counts are cumulative for the current session and published in batches,
// not per packet.
type StreamStatus struct {
	Kind          string      `json:"kind"`
	State         StreamState `json:"state"`
	Packets       uint64      `json:"packetsReceived"`
	RetryAttempts int         `json:"retryAttempts"`
	LastError     string      `json:"lastError,omitempty"`
}

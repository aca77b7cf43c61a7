package uplink

import "sync"

// MarshalJSON renders the state by name so status payloads read as
// "open"/"retrying" rather than enum ordinals.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is a read-only snapshot of the supervisor's observable state.
// Callers poll it (or subscribe via Config.OnStatus) instead of relying on
// send-time errors.
type Status struct {
	State         ConnState `json:"state"`
	Target        string    `json:"target,omitempty"`
	Active        bool      `json:"isActive"`
	Connecting    bool      `json:"isConnecting"`
	Retrying      bool      `json:"isRetrying"`
	RetryAttempts int       `json:"retryAttempts"`
	LastError     string    `json:"lastError,omitempty"`
	FramesSent    int64     `json:"framesSent"`
	// UpdatedAt is the snapshot time in Unix milliseconds.
	UpdatedAt int64 `json:"updatedAt"`
}

// statusSink delivers snapshots to the configured listener. Once closed it
// drops updates, so callbacks firing after teardown cannot reach a consumer
// that is gone.
type statusSink struct {
	mu     sync.Mutex
	fn     func(Status)
	closed bool
}

func (s *statusSink) publish(st Status) {
	s.mu.Lock()
	fn := s.fn
	if s.closed {
		fn = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *statusSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *statusSink) reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

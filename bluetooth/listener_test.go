package bluetooth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BasedNight/friend-lite/uplink"
)

// fakeSource is a scriptable StreamSource. Open consumes scripted errors in
// order and succeeds once the script runs dry; deliver and fail drive the
// registered callbacks like characteristic notifications would.
type fakeSource struct {
	kind       string
	failAlways bool

	mu       sync.Mutex
	openErrs []error
	opens    int
	closes   int
	onData   func([]byte)
	onError  func(error)
}

func (s *fakeSource) Kind() string { return s.kind }

func (s *fakeSource) Open(ctx context.Context, onData func([]byte), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.failAlways {
		return errors.New("subscribe refused")
	}
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		if err != nil {
			return err
		}
	}
	s.onData = onData
	s.onError = onError
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.onData = nil
	s.onError = nil
	return nil
}

func (s *fakeSource) deliver(data []byte) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type packetRecorder struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *packetRecorder) record(data []byte) {
	r.mu.Lock()
	r.packets = append(r.packets, append([]byte(nil), data...))
	r.mu.Unlock()
}

func (r *packetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

type fakeStreamNotifier struct {
	mu       sync.Mutex
	acquires []string
}

func (n *fakeStreamNotifier) Acquire(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acquires = append(n.acquires, body)
	return nil
}

func (n *fakeStreamNotifier) Release() error { return nil }

func (n *fakeStreamNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.acquires)
}

type streamStatusRecorder struct {
	mu  sync.Mutex
	all []StreamStatus
}

func (r *streamStatusRecorder) record(st StreamStatus) {
	r.mu.Lock()
	r.all = append(r.all, st)
	r.mu.Unlock()
}

func (r *streamStatusRecorder) has(match func(StreamStatus) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.all {
		if match(st) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastStreamBackoff(maxAttempts int) uplink.Backoff {
	return uplink.Backoff{
		Base:        2 * time.Millisecond,
		Max:         10 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Jitter:      0.3,
	}
}

func TestListenerDeliversPackets(t *testing.T) {
	src := &fakeSource{kind: StreamAudio}
	rec := &packetRecorder{}
	l := NewStreamListener(ListenerConfig{
		Source:   src,
		Backoff:  fastStreamBackoff(10),
		OnPacket: rec.record,
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "active stream", func() bool { return l.Status().State == StreamActive })

	src.deliver([]byte{0x01})
	src.deliver([]byte{0x02})
	src.deliver([]byte{0x03})

	waitFor(t, "forwarded packets", func() bool { return rec.count() == 3 })
	if got := l.Status().Packets; got != 3 {
		t.Errorf("packet count = %d, want 3", got)
	}
}

func TestListenerBatchesCounterUpdates(t *testing.T) {
	src := &fakeSource{kind: StreamAudio}
	rec := &streamStatusRecorder{}
	l := NewStreamListener(ListenerConfig{
		Source:   src,
		Backoff:  fastStreamBackoff(10),
		OnStatus: rec.record,
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "active stream", func() bool { return l.Status().State == StreamActive })

	for i := 0; i < 10; i++ {
		src.deliver([]byte{byte(i)})
	}
	waitFor(t, "batched counter flush", func() bool {
		return rec.has(func(st StreamStatus) bool { return st.Packets == 10 })
	})

	// Ten packets inside one flush window must not produce ten updates.
	rec.mu.Lock()
	updates := 0
	for _, st := range rec.all {
		if st.State == StreamActive && st.Packets > 0 {
			updates++
		}
	}
	rec.mu.Unlock()
	if updates > 3 {
		t.Errorf("counter updates = %d, want batched (<=3)", updates)
	}
}

func TestListenerRetriesFailedSubscribe(t *testing.T) {
	src := &fakeSource{kind: StreamButton, openErrs: []error{errors.New("not ready")}}
	rec := &streamStatusRecorder{}
	l := NewStreamListener(ListenerConfig{
		Source:   src,
		Backoff:  fastStreamBackoff(10),
		OnStatus: rec.record,
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "active after retry", func() bool { return l.Status().State == StreamActive })
	if got := src.openCount(); got != 2 {
		t.Errorf("open count = %d, want 2", got)
	}
	if !rec.has(func(st StreamStatus) bool { return st.State == StreamRetrying && st.RetryAttempts == 1 }) {
		t.Error("no retrying status with attempt 1 observed")
	}
}

func TestListenerRecoversFromStreamFailure(t *testing.T) {
	src := &fakeSource{kind: StreamBattery}
	l := NewStreamListener(ListenerConfig{
		Source:  src,
		Backoff: fastStreamBackoff(10),
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "active stream", func() bool { return l.Status().State == StreamActive })

	src.fail(errors.New("link reset"))
	waitFor(t, "resubscribed", func() bool {
		return src.openCount() == 2 && l.Status().State == StreamActive
	})
	if got := src.closeCount(); got < 1 {
		t.Errorf("close count = %d, want the failed subscription closed", got)
	}
	// A successful resubscribe resets the attempt counter.
	if got := l.Status().RetryAttempts; got != 0 {
		t.Errorf("retry attempts = %d, want 0", got)
	}
}

func TestListenerExhaustsRetryBudget(t *testing.T) {
	src := &fakeSource{kind: StreamAudio, failAlways: true}
	notifier := &fakeStreamNotifier{}
	l := NewStreamListener(ListenerConfig{
		Source:   src,
		Backoff:  fastStreamBackoff(2),
		Notifier: notifier,
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "terminal failure", func() bool { return l.Status().State == StreamFailed })

	// Initial attempt plus two retries, then nothing.
	if got := src.openCount(); got != 3 {
		t.Fatalf("open count = %d, want 3", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := src.openCount(); got != 3 {
		t.Fatalf("open count after settling = %d, want 3", got)
	}
	if l.Status().LastError == "" {
		t.Error("terminal status has no error")
	}
	// Exhaustion signals the user exactly once.
	if got := notifier.count(); got != 1 {
		t.Errorf("failure notifications = %d, want 1", got)
	}
	notifier.mu.Lock()
	body := notifier.acquires[0]
	notifier.mu.Unlock()
	if !strings.Contains(body, StreamAudio) {
		t.Errorf("notification body = %q, want the stream kind named", body)
	}
}

func TestListenerRestartIsIdempotent(t *testing.T) {
	src := &fakeSource{kind: StreamAudio}
	l := NewStreamListener(ListenerConfig{
		Source:  src,
		Backoff: fastStreamBackoff(10),
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "active stream", func() bool { return l.Status().State == StreamActive })
	src.deliver([]byte{0x01})
	src.deliver([]byte{0x02})
	waitFor(t, "counted packets", func() bool { return l.Status().Packets == 2 })

	l.Start()
	waitFor(t, "active after restart", func() bool {
		return l.Status().State == StreamActive && src.openCount() == 2
	})
	if got := src.closeCount(); got < 1 {
		t.Errorf("close count = %d, want old subscription closed", got)
	}
	// A new session counts from zero.
	if got := l.Status().Packets; got != 0 {
		t.Errorf("packet count after restart = %d, want 0", got)
	}
	src.deliver([]byte{0x03})
	waitFor(t, "packet on new subscription", func() bool { return l.Status().Packets == 1 })
}

func TestListenerStopDuringRetry(t *testing.T) {
	src := &fakeSource{kind: StreamButton, failAlways: true}
	l := NewStreamListener(ListenerConfig{
		Source:  src,
		Backoff: uplink.Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 10},
	})

	l.Start()
	waitFor(t, "retrying state", func() bool { return l.Status().State == StreamRetrying })

	l.Stop()
	if got := l.Status().State; got != StreamIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := src.openCount(); got != 1 {
		t.Errorf("open count = %d, want 1", got)
	}
}

func TestListenersAreIndependent(t *testing.T) {
	audioSrc := &fakeSource{kind: StreamAudio}
	audioRec := &packetRecorder{}
	audio := NewStreamListener(ListenerConfig{
		Source:   audioSrc,
		Backoff:  fastStreamBackoff(10),
		OnPacket: audioRec.record,
	})
	defer audio.Stop()

	batterySrc := &fakeSource{kind: StreamBattery, failAlways: true}
	battery := NewStreamListener(ListenerConfig{
		Source:  batterySrc,
		Backoff: uplink.Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 10},
	})
	defer battery.Stop()

	audio.Start()
	battery.Start()

	waitFor(t, "active audio stream", func() bool { return audio.Status().State == StreamActive })
	waitFor(t, "retrying battery stream", func() bool { return battery.Status().State == StreamRetrying })

	// The stuck battery stream must not affect audio delivery.
	audioSrc.deliver([]byte{0x01})
	waitFor(t, "audio packet", func() bool { return audioRec.count() == 1 })
	if got := audio.Status().State; got != StreamActive {
		t.Errorf("audio state = %v, want active", got)
	}
}

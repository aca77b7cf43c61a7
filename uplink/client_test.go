package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeMessage struct {
	Type int
	Data []byte
}

// fakeConn is a scriptable Conn. Reads block until the test feeds a message
// or an error; Close delivers a CloseError to the read side exactly once,
// the way a real socket surfaces its own shutdown.
type fakeConn struct {
	reads chan any // []byte or error

	mu     sync.Mutex
	writes []fakeMessage
	closed bool
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan any, 8)}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.writes = append(c.writes, fakeMessage{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	v := <-c.reads
	switch x := v.(type) {
	case error:
		return nil, x
	case []byte:
		return x, nil
	}
	return nil, errors.New("bad scripted read")
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.code = code
	c.reason = reason
	c.mu.Unlock()
	c.reads <- error(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) write(i int) fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeTransport hands out scripted dial results in order. When the script
// runs dry, Dial blocks until the session is cancelled, so an unexpected
// extra attempt shows up in the dial count.
type fakeTransport struct {
	results chan dialResult

	mu     sync.Mutex
	dialed []string
}

func newFakeTransport(results ...dialResult) *fakeTransport {
	t := &fakeTransport{results: make(chan dialResult, len(results)+8)}
	for _, r := range results {
		t.results <- r
	}
	return t
}

func (t *fakeTransport) queue(r dialResult) {
	t.results <- r
}

func (t *fakeTransport) Dial(ctx context.Context, target string) (Conn, error) {
	t.mu.Lock()
	t.dialed = append(t.dialed, target)
	t.mu.Unlock()
	select {
	case r := <-t.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dialed)
}

func (t *fakeTransport) lastTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dialed) == 0 {
		return ""
	}
	return t.dialed[len(t.dialed)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	acquired []string
	released int
}

func (n *fakeNotifier) Acquire(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acquired = append(n.acquired, body)
	return nil
}

func (n *fakeNotifier) Release() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released++
	return nil
}

func (n *fakeNotifier) releases() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.released
}

func (n *fakeNotifier) bodyCount(body string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, b := range n.acquired {
		if b == body {
			count++
		}
	}
	return count
}

type fakeReach struct {
	mu   sync.Mutex
	st   ReachState
	subs []chan ReachState
}

func (r *fakeReach) Current() ReachState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *fakeReach) Subscribe() (<-chan ReachState, func()) {
	ch := make(chan ReachState, 4)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch, func() {}
}

func (r *fakeReach) set(st ReachState) {
	r.mu.Lock()
	r.st = st
	subs := append([]chan ReachState(nil), r.subs...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

type statusRecorder struct {
	mu  sync.Mutex
	all []Status
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	r.all = append(r.all, st)
	r.mu.Unlock()
}

func (r *statusRecorder) has(match func(Status) bool) bool {
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

func decodeHeader(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var header map[string]any
	if err := json.Unmarshal(data, &header); err != nil {
		t.Fatalf("frame header is not valid JSON: %v", err)
	}
	return header
}

func fastBackoff(maxAttempts int) Backoff {
	return Backoff{Base: 5 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: maxAttempts}
}

func TestStartRejectsEmptyTarget(t *testing.T) {
	ft := newFakeTransport()
	c := New(Config{Transport: ft, Backoff: fastBackoff(10), HeartbeatInterval: time.Hour})
	defer c.Stop()

	if err := c.Start(context.Background(), ""); !errors.Is(err, ErrEmptyTarget) {
		t.Fatalf("Start(\"\") = %v, want ErrEmptyTarget", err)
	}
	if got := ft.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
	if got := c.ReadyState(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestStartWithoutConnectivity(t *testing.T) {
	reach := &fakeReach{}
	reach.set(ReachState{Connected: false, InternetReachable: false})
	ft := newFakeTransport(dialResult{conn: newFakeConn()})
	rec := &statusRecorder{}
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		Reachability:      reach,
		OnStatus:          rec.record,
	})
	defer c.Stop()

	err := c.Start(context.Background(), "ws://up.example/stream")
	if !errors.Is(err, ErrNoConnectivity) {
		t.Fatalf("Start = %v, want ErrNoConnectivity", err)
	}
	if err.Error() != "No internet connection." {
		t.Errorf("error text = %q", err.Error())
	}

	waitFor(t, "offline status", func() bool {
		return rec.has(func(st Status) bool { return st.LastError == "No internet connection." })
	})
	time.Sleep(20 * time.Millisecond)
	if got := ft.dialCount(); got != 0 {
		t.Fatalf("dial count while offline = %d, want 0", got)
	}

	// The session stays armed: restoring the network connects it without a
	// second Start.
	reach.set(ReachState{Connected: true, InternetReachable: true})
	waitFor(t, "open after reachability restore", func() bool {
		return c.ReadyState() == StateOpen
	})
	if got := ft.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestConnectEmitsHeartbeat(t *testing.T) {
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc})
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.ReadyState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	waitFor(t, "heartbeat frames", func() bool { return fc.writeCount() >= 2 })

	msg := fc.write(0)
	if msg.Type != TextMessage {
		t.Errorf("heartbeat frame type = %d, want text", msg.Type)
	}
	header := decodeHeader(t, msg.Data)
	if header["kind"] != KindPing {
		t.Errorf("kind = %v, want %q", header["kind"], KindPing)
	}
	if _, ok := header["timestamp"]; !ok {
		t.Error("ping header missing timestamp")
	}
	if header["payloadLength"] != nil {
		t.Errorf("ping payloadLength = %v, want null", header["payloadLength"])
	}
}

func TestHandshakeFramesOnOpen(t *testing.T) {
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc})
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		HandshakeKinds:    []string{"audio-start"},
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "handshake frame", func() bool { return fc.writeCount() >= 1 })

	header := decodeHeader(t, fc.write(0).Data)
	if header["kind"] != "audio-start" {
		t.Errorf("handshake kind = %v, want audio-start", header["kind"])
	}
}

func TestStopSendsManualClose(t *testing.T) {
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc})
	fn := &fakeNotifier{}
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		Notifier:          fn,
	})

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	code, reason := fc.closeStatus()
	if code != ManualCloseCode || reason != ManualCloseReason {
		t.Errorf("close status = %d %q, want %d %q", code, reason, ManualCloseCode, ManualCloseReason)
	}
	if got := c.ReadyState(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := ft.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect after manual stop)", got)
	}
	if got := fn.releases(); got != 1 {
		t.Errorf("notifier releases = %d, want 1", got)
	}
	// Idempotent.
	c.Stop()
	if got := fn.releases(); got != 1 {
		t.Errorf("notifier releases after second Stop = %d, want 1", got)
	}
}

func TestPeerManualCloseDoesNotRetry(t *testing.T) {
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc})
	fn := &fakeNotifier{}
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		Notifier:          fn,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fc.reads <- error(&CloseError{Code: ManualCloseCode, Reason: ManualCloseReason})

	waitFor(t, "idle after peer close", func() bool { return c.ReadyState() == StateIdle })
	time.Sleep(20 * time.Millisecond)
	if got := ft.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1 (peer close must not trigger retry)", got)
	}
	// The session keep-alive is released by Stop, not by the peer.
	if got := fn.releases(); got != 0 {
		t.Errorf("notifier releases before Stop = %d, want 0", got)
	}
}

func TestAbnormalCloseSchedulesRetry(t *testing.T) {
	fc1 := newFakeConn()
	fc2 := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc1}, dialResult{conn: fc2})
	rec := &statusRecorder{}
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		OnStatus:          rec.record,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 1006 with no reason is the canonical dropped-connection close.
	fc1.reads <- error(&CloseError{Code: 1006, Reason: ""})

	waitFor(t, "reconnect", func() bool {
		return ft.dialCount() == 2 && c.ReadyState() == StateOpen
	})
	if !rec.has(func(st Status) bool { return st.Retrying && st.RetryAttempts == 1 }) {
		t.Error("no retrying status with attempt 1 observed")
	}
	// A successful reconnect resets the attempt counter.
	if got := c.Status().RetryAttempts; got != 0 {
		t.Errorf("retry attempts after reconnect = %d, want 0", got)
	}
}

func TestRetryExhaustion(t *testing.T) {
	dialErr := errors.New("connection refused")
	ft := newFakeTransport(
		dialResult{err: dialErr}, dialResult{err: dialErr},
		dialResult{err: dialErr}, dialResult{err: dialErr},
	)
	fn := &fakeNotifier{}
	rec := &statusRecorder{}
	c := New(Config{
		Transport:         ft,
		Backoff:           Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3},
		HeartbeatInterval: time.Hour,
		Notifier:          fn,
		OnStatus:          rec.record,
	})
	defer c.Stop()

	err := c.Start(context.Background(), "ws://up.example/stream")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Start = %v, want TransportError", err)
	}

	waitFor(t, "terminal failure", func() bool { return c.ReadyState() == StateFailed })

	// Initial attempt plus the full retry budget, and not one more.
	if got := ft.dialCount(); got != 4 {
		t.Fatalf("dial count = %d, want 4", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := ft.dialCount(); got != 4 {
		t.Fatalf("dial count after settling = %d, want 4", got)
	}

	st := c.Status()
	if st.LastError != ErrRetriesExhausted.Error() {
		t.Errorf("lastError = %q, want %q", st.LastError, ErrRetriesExhausted.Error())
	}
	if st.RetryAttempts != 3 {
		t.Errorf("retry attempts = %d, want 3", st.RetryAttempts)
	}
	if got := fn.bodyCount("Connection lost"); got != 1 {
		t.Errorf("Connection lost notifications = %d, want exactly 1", got)
	}

	// Only an explicit Start leaves the terminal state.
	ft.queue(dialResult{conn: newFakeConn()})
	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start after exhaustion: %v", err)
	}
	if got := c.ReadyState(); got != StateOpen {
		t.Errorf("state after restart = %v, want open", got)
	}
}

func TestReachabilityRestoreRetriesEarly(t *testing.T) {
	reach := &fakeReach{}
	reach.set(ReachState{Connected: true, InternetReachable: true})
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{err: errors.New("connection refused")}, dialResult{conn: fc})
	c := New(Config{
		Transport: ft,
		// A delay far beyond the test deadline: only an early retry can
		// reconnect in time.
		Backoff:           Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 10},
		HeartbeatInterval: time.Hour,
		Reachability:      reach,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err == nil {
		t.Fatal("Start succeeded, want first-dial error")
	}
	waitFor(t, "retrying state", func() bool { return c.ReadyState() == StateRetrying })

	reach.set(ReachState{Connected: true, InternetReachable: true})
	waitFor(t, "early reconnect", func() bool { return c.ReadyState() == StateOpen })
	if got := ft.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	ft := newFakeTransport(dialResult{err: errors.New("connection refused")})
	c := New(Config{
		Transport:         ft,
		Backoff:           Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 10},
		HeartbeatInterval: time.Hour,
	})

	if err := c.Start(context.Background(), "ws://up.example/stream"); err == nil {
		t.Fatal("Start succeeded, want first-dial error")
	}
	waitFor(t, "retrying state", func() bool { return c.ReadyState() == StateRetrying })

	c.Stop()
	if got := c.ReadyState(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := ft.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestSendFrames(t *testing.T) {
	fc := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc})
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://up.example/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Empty packets are dropped before any write.
	c.SendAudio(nil)
	c.SendAudio([]byte{})
	if got := fc.writeCount(); got != 0 {
		t.Fatalf("writes after empty sends = %d, want 0", got)
	}

	c.SendAudio([]byte{0xAA, 0xBB})
	if got := fc.writeCount(); got != 2 {
		t.Fatalf("writes = %d, want header+payload", got)
	}
	header := decodeHeader(t, fc.write(0).Data)
	if header["kind"] != KindAudio {
		t.Errorf("kind = %v, want audio", header["kind"])
	}
	if header["payloadLength"] != float64(2) {
		t.Errorf("payloadLength = %v, want 2", header["payloadLength"])
	}
	payload := fc.write(1)
	if payload.Type != BinaryMessage {
		t.Errorf("payload frame type = %d, want binary", payload.Type)
	}
	if len(payload.Data) != 2 || payload.Data[0] != 0xAA || payload.Data[1] != 0xBB {
		t.Errorf("payload bytes = %v", payload.Data)
	}

	c.SendControl("audio-start", map[string]any{"codec": "opus"})
	if got := fc.writeCount(); got != 3 {
		t.Fatalf("writes after control frame = %d, want 3", got)
	}
	control := decodeHeader(t, fc.write(2).Data)
	if control["kind"] != "audio-start" || control["codec"] != "opus" {
		t.Errorf("control header = %v", control)
	}

	if got := c.Status().FramesSent; got != 2 {
		t.Errorf("framesSent = %d, want 2", got)
	}
}

func TestSendWhileClosedIsNoop(t *testing.T) {
	ft := newFakeTransport()
	c := New(Config{Transport: ft, Backoff: fastBackoff(10), HeartbeatInterval: time.Hour})

	c.SendAudio([]byte{0x01})
	c.SendButton([]byte{0x02})
	c.SendBattery([]byte{0x03})
	c.SendControl("audio-start", nil)

	if got := ft.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
	if got := c.Status().FramesSent; got != 0 {
		t.Errorf("framesSent = %d, want 0", got)
	}
}

func TestStartWhileRunningRestarts(t *testing.T) {
	fc1 := newFakeConn()
	fc2 := newFakeConn()
	ft := newFakeTransport(dialResult{conn: fc1}, dialResult{conn: fc2})
	fn := &fakeNotifier{}
	c := New(Config{
		Transport:         ft,
		Backoff:           fastBackoff(10),
		HeartbeatInterval: time.Hour,
		Notifier:          fn,
	})
	defer c.Stop()

	if err := c.Start(context.Background(), "ws://one.example/stream"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := c.Start(context.Background(), "ws://two.example/stream"); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	code, reason := fc1.closeStatus()
	if code != ManualCloseCode || reason != ManualCloseReason {
		t.Errorf("first conn close status = %d %q", code, reason)
	}
	if got := c.ReadyState(); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	if got := ft.lastTarget(); got != "ws://two.example/stream" {
		t.Errorf("last dialed target = %q", got)
	}
	if got := fn.releases(); got != 1 {
		t.Errorf("notifier releases = %d, want 1 (restart stops the old session)", got)
	}
}

func TestStatusMarshalsStateByName(t *testing.T) {
	buf, err := json.Marshal(Status{State: StateOpen, Active: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(buf), `"state":"open"`) {
		t.Errorf("status JSON = %s", buf)
	}
}

// Package uplink maintains a supervised WebSocket connection to an
// ingestion endpoint and multiplexes framed sensor events (audio, button,
// battery, control) over it. The supervisor owns the transport handle and
// all timers; callers drive it only through Start/Stop/Send and read-only
// status snapshots.
package uplink

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/notify"
)

const defaultHeartbeatInterval = 25 * time.Second

// ReachState mirrors the reachability collaborator's signal.
type ReachState struct {
	Connected         bool
	InternetReachable bool
}

// Reachability is the network-availability collaborator. Current gates the
// first connection attempt; Subscribe wakes early retries when connectivity
// returns mid-backoff.
type Reachability interface {
	Current() ReachState
	Subscribe() (<-chan ReachState, func())
}

// Config parameterizes one streaming unit.
type Config struct {
	// Transport dials the endpoint. Defaults to NewWebSocketTransport.
	Transport Transport
	// Backoff paces reconnect attempts. Zero value selects DefaultBackoff.
	Backoff Backoff
	// HeartbeatInterval paces keep-alive pings while open. Default 25s.
	HeartbeatInterval time.Duration
	// HandshakeKinds are frame kinds emitted, in order, each time the
	// connection opens (for example "audio-start"). Units that speak only
	// data frames leave it empty.
	HandshakeKinds []string
	// Reachability gates the first attempt and wakes early retries. Nil
	// means the network is assumed reachable.
	Reachability Reachability
	// Notifier keeps the session visible to the user. Defaults to
	// notify.Discard.
	Notifier notify.Notifier
	// NotifyTitle heads lifecycle notifications. Default "Friend".
	NotifyTitle string
	// OnStatus receives a snapshot after every observable change. It is
	// invoked from supervisor goroutines and must not block.
	OnStatus func(Status)
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Transport == nil {
		c.Transport = NewWebSocketTransport()
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Notifier == nil {
		c.Notifier = notify.Discard{}
	}
	if c.NotifyTitle == "" {
		c.NotifyTitle = "Friend"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client supervises one uplink connection: it drives the
// idle/connecting/open/retrying lifecycle, runs the heartbeat, schedules
// backoff retries, and reacts to reachability changes. All methods are safe
// for concurrent use.
type Client struct {
	cfg  Config
	log  *zap.Logger
	sink *statusSink

	mu          sync.Mutex
	state       ConnState
	target      string
	conn        Conn
	attempts    int
	shouldRetry bool
	manualStop  bool
	notified    bool
	lastErr     string
	framesSent  int64
	runCancel   context.CancelFunc
	runDone     chan struct{}
}

// New builds a Client. The zero-value Config is usable: it dials with a
// stock WebSocket transport and default backoff.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:  cfg,
		log:  cfg.Logger,
		sink: &statusSink{fn: cfg.OnStatus},
	}
}

// Start connects to target and blocks until the first attempt settles. A
// failed first attempt still arms the retry machinery, so a non-nil error
// does not mean the session is dead; Stop ends it either way. An empty
// target is rejected without any state change, and a reachability check
// runs before any transport is opened. Calling Start while a session is
// running performs the full stop sequence first.
func (c *Client) Start(ctx context.Context, target string) error {
	if target == "" {
		return ErrEmptyTarget
	}

	// Serialized restart: any existing transport is force-closed and
	// awaited before a new one is created.
	c.Stop()

	offline := c.cfg.Reachability != nil && !c.cfg.Reachability.Current().InternetReachable

	// The keep-alive must be held before Connecting and span retry gaps;
	// it is released only when Stop completes.
	if err := c.cfg.Notifier.Acquire(c.cfg.NotifyTitle, "Streaming session active"); err != nil {
		c.log.Warn("uplink: notifier acquire failed", zap.Error(err))
	}

	c.mu.Lock()
	c.target = target
	c.shouldRetry = true
	c.manualStop = false
	c.notified = false
	c.attempts = 0
	c.lastErr = ""
	c.framesSent = 0
	c.state = StateIdle
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()
	c.sink.reopen()

	first := make(chan error, 1)
	go c.run(runCtx, target, done, first)

	if offline {
		// Fail fast, but leave the session armed: the run loop waits for
		// reachability and connects once the network returns.
		return ErrNoConnectivity
	}

	select {
	case err := <-first:
		return err
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop force-closes the transport with the manual-close signal, cancels all
// pending timers, waits for the supervisor to wind down, and releases the
// lifecycle keep-alive last. It is idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	done := c.runDone
	if done == nil {
		c.mu.Unlock()
		return
	}
	c.runDone = nil
	c.shouldRetry = false
	c.manualStop = true
	cancel := c.runCancel
	c.runCancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(ManualCloseCode, ManualCloseReason); err != nil {
			c.log.Debug("uplink: close", zap.Error(err))
		}
	}
	cancel()
	<-done

	c.mu.Lock()
	c.state = StateIdle
	c.attempts = 0
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.publish(snap)
	c.sink.close()

	if err := c.cfg.Notifier.Release(); err != nil {
		c.log.Debug("uplink: notifier release failed", zap.Error(err))
	}
}

// ReadyState returns the current lifecycle state.
func (c *Client) ReadyState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the observable state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Client) snapshotLocked() Status {
	return Status{
		State:         c.state,
		Target:        c.target,
		Active:        c.state == StateOpen,
		Connecting:    c.state == StateConnecting,
		Retrying:      c.state == StateRetrying,
		RetryAttempts: c.attempts,
		LastError:     c.lastErr,
		FramesSent:    c.framesSent,
		UpdatedAt:     time.Now().UnixMilli(),
	}
}

// run is the single logical sequence of state transitions for one session.
// No other goroutine mutates the lifecycle fields while it is alive, except
// Stop flipping the shouldRetry/manualStop flags it re-checks.
func (c *Client) run(ctx context.Context, target string, done chan struct{}, first chan<- error) {
	defer close(done)

	var reachCh <-chan ReachState
	if c.cfg.Reachability != nil {
		ch, cancel := c.cfg.Reachability.Subscribe()
		reachCh = ch
		defer cancel()
	}

	firstAttempt := true
	settle := func(err error) {
		if firstAttempt {
			firstAttempt = false
			first <- err
		}
	}

	if c.cfg.Reachability != nil && !c.cfg.Reachability.Current().InternetReachable {
		c.setIdlePending(msgNoInternet)
		settle(ErrNoConnectivity)
		if !c.waitReachable(ctx, reachCh) {
			return
		}
	}

	for {
		if !c.retryAllowed() {
			return
		}

		c.transition(StateConnecting, "")
		conn, err := c.cfg.Transport.Dial(ctx, target)
		if err != nil {
			terr := transportErr("dial", err)
			c.log.Warn("uplink: dial failed", zap.String("target", target), zap.Error(err))
			settle(terr)
			if !c.awaitRetry(ctx, reachCh, terr) {
				return
			}
			continue
		}

		c.adoptConn(conn)
		settle(nil)
		c.emitHandshake()

		code, reason, serveErr := c.serve(ctx, conn)
		c.releaseConn(conn)

		if IsManualClose(code, reason) && ctx.Err() == nil && !c.manualStopped() {
			// The peer ended the session cleanly; no retry.
			c.log.Info("uplink: closed by peer", zap.Int("code", code), zap.String("reason", reason))
			c.mu.Lock()
			c.shouldRetry = false
			c.state = StateIdle
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.sink.publish(snap)
			return
		}
		if ctx.Err() != nil || c.manualStopped() {
			// Stop owns the final transition.
			return
		}

		cause := serveErr
		if code != 0 {
			cause = &CloseError{Code: code, Reason: reason}
		}
		if !c.awaitRetry(ctx, reachCh, transportErr("closed", cause)) {
			return
		}
	}
}

// serve runs the heartbeat and watches the read side until the connection
// dies or the session is cancelled. Server replies are informational only:
// they are logged, never decoded.
func (c *Client) serve(ctx context.Context, conn Conn) (code int, reason string, err error) {
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, rerr := conn.ReadMessage()
			if rerr != nil {
				readErr <- rerr
				return
			}
			c.log.Debug("uplink: server message", zap.ByteString("data", msg))
		}
	}()

	hb := time.NewTicker(c.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case rerr := <-readErr:
			var ce *CloseError
			if errors.As(rerr, &ce) {
				return ce.Code, ce.Reason, rerr
			}
			return 0, "", rerr
		case <-hb.C:
			// Liveness signal. Failures are swallowed: a dead transport
			// surfaces through the read side.
			if err := c.writeFrame(KindPing, map[string]any{"timestamp": time.Now().UnixMilli()}, nil); err != nil {
				c.log.Debug("uplink: heartbeat send failed", zap.Error(err))
			}
		}
	}
}

// awaitRetry schedules the next attempt. It returns false when the retry
// budget is spent or the session was stopped while waiting. A reachability
// restore fires the attempt early, bypassing the remaining delay.
func (c *Client) awaitRetry(ctx context.Context, reachCh <-chan ReachState, cause error) bool {
	if !c.retryAllowed() {
		return false
	}

	c.mu.Lock()
	if c.cfg.Backoff.Exhausted(c.attempts) {
		// Terminal for this session: no further timers, one notification,
		// and only an explicit Start resumes.
		c.shouldRetry = false
		c.manualStop = true
		c.state = StateFailed
		c.lastErr = msgConnectionLost
		alreadyNotified := c.notified
		c.notified = true
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.sink.publish(snap)
		c.log.Error("uplink: retry attempts exhausted",
			zap.Int("attempts", c.cfg.Backoff.MaxAttempts), zap.Error(cause))
		if !alreadyNotified {
			if err := c.cfg.Notifier.Acquire(c.cfg.NotifyTitle, msgConnectionLost); err != nil {
				c.log.Warn("uplink: notifier acquire failed", zap.Error(err))
			}
		}
		return false
	}
	delay := c.cfg.Backoff.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.state = StateRetrying
	c.lastErr = cause.Error()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.publish(snap)
	c.log.Warn("uplink: connection lost, retrying",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.cfg.Backoff.MaxAttempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			// A stop may have landed during the wait.
			return c.retryAllowed()
		case st, ok := <-reachCh:
			if !ok {
				reachCh = nil
				continue
			}
			if st.InternetReachable && c.retryAllowed() {
				c.log.Info("uplink: network restored, retrying early",
					zap.Int("attempt", attempt))
				return true
			}
		}
	}
}

// waitReachable parks the session in idle-with-pending-target until the
// network comes back.
func (c *Client) waitReachable(ctx context.Context, reachCh <-chan ReachState) bool {
	c.log.Info("uplink: waiting for network", zap.String("target", c.Target()))
	for {
		select {
		case <-ctx.Done():
			return false
		case st, ok := <-reachCh:
			if !ok {
				return false
			}
			if st.InternetReachable && c.retryAllowed() {
				return true
			}
		}
	}
}

// Target returns the address of the current session, if any.
func (c *Client) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Client) retryAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldRetry && !c.manualStop
}

func (c *Client) manualStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualStop
}

func (c *Client) transition(s ConnState, lastErr string) {
	c.mu.Lock()
	c.state = s
	if lastErr != "" {
		c.lastErr = lastErr
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.publish(snap)
}

func (c *Client) setIdlePending(lastErr string) {
	c.mu.Lock()
	c.state = StateIdle
	c.lastErr = lastErr
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.publish(snap)
}

func (c *Client) adoptConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.lastErr = ""
	target := c.target
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.sink.publish(snap)
	c.log.Info("uplink: connected", zap.String("target", target))
}

func (c *Client) releaseConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	// Best effort: on abnormal paths the connection is already dead and
	// this only reclaims the descriptor.
	conn.Close(ManualCloseCode, ManualCloseReason)
}

func (c *Client) emitHandshake() {
	for _, kind := range c.cfg.HandshakeKinds {
		if err := c.writeFrame(kind, nil, nil); err != nil {
			c.log.Warn("uplink: handshake frame failed", zap.String("kind", kind), zap.Error(err))
		}
	}
}

package bluetooth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/notify"
	"github.com/BasedNight/friend-lite/uplink"
)

// ListenerBackoff is the retry policy for stream subscriptions. Unlike the
// uplink policy it is jittered, so three listeners knocked out by one
// device drop do not resubscribe in lockstep.
func ListenerBackoff() uplink.Backoff {
	return uplink.Backoff{
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
		Jitter:      0.3,
	}
}

// ListenerConfig parameterizes one stream listener.
type ListenerConfig struct {
	// Source is the stream to supervise. Required.
	Source StreamSource
	// Backoff paces resubscription attempts. Zero value selects
	// ListenerBackoff.
	Backoff uplink.Backoff
	// OnPacket receives every packet in arrival order. It is invoked from
	// the source's delivery goroutine and must not block.
	OnPacket func([]byte)
	// OnStatus receives state transitions immediately and counter updates
	// in 500ms batches.
	OnStatus func(StreamStatus)
	// ResetCountersOnStop zeroes the packet counter when the listener
	// stops; by default counts persist until the next Start.
	ResetCountersOnStop bool
	// Notifier surfaces the one-time failure signal when the retry budget
	// runs out. Defaults to notify.Discard.
	Notifier notify.Notifier
	// NotifyTitle heads failure notifications. Defaults to "Friend".
	NotifyTitle string
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// StreamListener drives one stream kind through its
// idle/subscribing/active/retrying lifecycle. Listeners are independent:
// each owns its retry budget and backoff timer.
type StreamListener struct {
	cfg     ListenerConfig
	log     *zap.Logger
	packets atomic.Uint64

	mu       sync.Mutex
	state    StreamState
	attempts int
	lastErr  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStreamListener builds a listener for cfg.Source. The listener is idle
// until Start.
func NewStreamListener(cfg ListenerConfig) *StreamListener {
	if cfg.Backoff == (uplink.Backoff{}) {
		cfg.Backoff = ListenerBackoff()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.NotifyTitle == "" {
		cfg.NotifyTitle = "Friend"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &StreamListener{
		cfg: cfg,
		log: cfg.Logger.With(zap.String("stream", cfg.Source.Kind())),
	}
}

// Kind names the supervised stream.
func (l *StreamListener) Kind() string { return l.cfg.Source.Kind() }

// Start begins (or restarts) the subscription machine. Calling Start on a
// running listener winds the old machine down first, so repeated
// initialization converges on exactly one active subscription. The packet
// counter restarts from zero with each session.
func (l *StreamListener) Start() {
	l.Stop()

	l.packets.Store(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.attempts = 0
	l.lastErr = ""
	l.mu.Unlock()

	go l.flushLoop(ctx)
	go l.run(ctx, done)
}

// Stop winds the machine down and closes the subscription. It is
// idempotent.
func (l *StreamListener) Stop() {
	l.mu.Lock()
	done := l.done
	cancel := l.cancel
	l.done = nil
	l.cancel = nil
	l.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	<-done

	if l.cfg.ResetCountersOnStop {
		l.packets.Store(0)
	}
	l.transition(StreamIdle, "")
}

// Status returns a snapshot of the listener's observable state.
func (l *StreamListener) Status() StreamStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *StreamListener) snapshotLocked() StreamStatus {
	return StreamStatus{
		Kind:          l.cfg.Source.Kind(),
		State:         l.state,
		Packets:       l.packets.Load(),
		RetryAttempts: l.attempts,
		LastError:     l.lastErr,
	}
}

func (l *StreamListener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		l.transition(StreamSubscribing, "")

		errCh := make(chan error, 1)
		onError := func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}
		if err := l.cfg.Source.Open(ctx, l.deliver, onError); err != nil {
			l.log.Warn("stream: subscribe failed", zap.Error(err))
			if !l.awaitRetry(ctx, err) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.state = StreamActive
		l.attempts = 0
		l.lastErr = ""
		snap := l.snapshotLocked()
		l.mu.Unlock()
		l.publish(snap)
		l.log.Info("stream: active")

		select {
		case <-ctx.Done():
			l.closeSource()
			return
		case err := <-errCh:
			l.log.Warn("stream: lost", zap.Error(err))
			l.closeSource()
			if !l.awaitRetry(ctx, err) {
				return
			}
		}
	}
}

func (l *StreamListener) closeSource() {
	if err := l.cfg.Source.Close(); err != nil {
		l.log.Debug("stream: close", zap.Error(err))
	}
}

// awaitRetry arms the jittered backoff timer. It returns false when the
// budget is spent or the listener is stopped mid-wait.
func (l *StreamListener) awaitRetry(ctx context.Context, cause error) bool {
	l.mu.Lock()
	if l.cfg.Backoff.Exhausted(l.attempts) {
		l.state = StreamFailed
		l.lastErr = cause.Error()
		snap := l.snapshotLocked()
		l.mu.Unlock()
		l.publish(snap)
		l.log.Error("stream: retry attempts exhausted",
			zap.Int("attempts", l.cfg.Backoff.MaxAttempts), zap.Error(cause))
		// Exhaustion ends the machine, so this fires at most once per
		// session.
		if err := l.cfg.Notifier.Acquire(l.cfg.NotifyTitle, l.cfg.Source.Kind()+" stream unavailable"); err != nil {
			l.log.Warn("stream: notifier acquire failed", zap.Error(err))
		}
		return false
	}
	delay := l.cfg.Backoff.Delay(l.attempts)
	l.attempts++
	attempt := l.attempts
	l.state = StreamRetrying
	l.lastErr = cause.Error()
	snap := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(snap)
	l.log.Warn("stream: resubscribing",
		zap.Int("attempt", attempt), zap.Duration("retry_in", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *StreamListener) deliver(data []byte) {
	l.packets.Add(1)
	if l.cfg.OnPacket != nil {
		l.cfg.OnPacket(data)
	}
}

// flushLoop publishes counter progress at a bounded rate. State changes
// bypass it and publish immediately.
func (l *StreamListener) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(counterFlushInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := l.packets.Load()
			if cur == last {
				continue
			}
			last = cur
			l.publish(l.Status())
		}
	}
}

func (l *StreamListener) transition(s StreamState, lastErr string) {
	l.mu.Lock()
	l.state = s
	l.lastErr = lastErr
	snap := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(snap)
}

func (l *StreamListener) publish(snap StreamStatus) {
	if l.cfg.OnStatus != nil {
		l.cfg.OnStatus(snap)
	}
}

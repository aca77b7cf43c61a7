// Package network watches internet reachability: a periodic ICMP probe
// smoothed by a failure threshold, plus kernel link events for immediate
// reaction to interface changes. The uplink supervisor consumes it to gate
// connection attempts and to wake early retries.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// Status is the monitor's current view of the network.
type Status struct {
	// LinkUp reports the watched interface's state. Without a configured
	// interface it is true whenever probing is possible.
	LinkUp bool `json:"linkUp"`
	// InternetReachable is the smoothed probe verdict.
	InternetReachable bool `json:"internetReachable"`
}

// Config parameterizes the monitor.
type Config struct {
	// Host is the probe target. Default 1.1.1.1.
	Host string
	// Interval paces probes. Default 1s.
	Interval time.Duration
	// FailThreshold is the number of consecutive probe failures before the
	// monitor reports unreachable. Default 3.
	FailThreshold int
	// Interface, when set, scopes link watching to one interface name.
	Interface string
	// Probe overrides the ICMP probe, mainly for tests.
	Probe func(ctx context.Context, host string) bool
	// OnChange receives every status transition.
	OnChange func(Status)
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "1.1.1.1"
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.Probe == nil {
		c.Probe = pingProbe
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// pingProbe sends one privileged ICMP echo and reports whether a reply
// arrived within a second.
func pingProbe(ctx context.Context, host string) bool {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = time.Second
	pinger.Interval = time.Second
	pinger.SetPrivileged(true)
	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// Monitor probes reachability and fans status changes out to subscribers.
type Monitor struct {
	cfg  Config
	log  *zap.Logger
	poke chan struct{}

	mu      sync.Mutex
	status  Status
	subs    map[int]chan Status
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor builds a monitor; probing begins with Start.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:  cfg,
		log:  cfg.Logger,
		poke: make(chan struct{}, 1),
		subs: make(map[int]chan Status),
	}
}

// Start launches the probe loop and the link watcher.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.probeLoop(ctx, m.done)
	go m.watchLinks(ctx)
	return nil
}

// Stop halts probing. Subscribers stop receiving updates but their
// channels stay open.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the last observed status.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers for status transitions. The returned cancel func
// releases the subscription.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 4)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) probeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	failCount := 0
	reachable := false
	first := true

	for {
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.Interval):
			case <-m.poke:
			}
		}
		first = false

		linkUp := m.checkLink()
		ok := false
		if linkUp {
			ok = m.cfg.Probe(ctx, m.cfg.Host)
		}
		if ctx.Err() != nil {
			return
		}

		if ok {
			failCount = 0
			reachable = true
		} else {
			failCount++
			// A blip shorter than the threshold does not flip the
			// verdict; a down link does immediately.
			if failCount >= m.cfg.FailThreshold || !linkUp {
				reachable = false
			}
		}
		m.setStatus(Status{LinkUp: linkUp, InternetReachable: reachable})
	}
}

// checkLink reports the configured interface's oper state, or true when no
// interface is pinned.
func (m *Monitor) checkLink() bool {
	if m.cfg.Interface == "" {
		return true
	}
	link, err := netlink.LinkByName(m.cfg.Interface)
	if err != nil {
		return false
	}
	return link.Attrs().Flags&net.FlagUp != 0
}

// watchLinks reacts to kernel link updates by scheduling an immediate
// probe, so an interface coming back does not wait out the poll interval.
func (m *Monitor) watchLinks(ctx context.Context) {
	updates := make(chan netlink.LinkUpdate, 16)
	linkDone := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, linkDone); err != nil {
		m.log.Warn("network: link subscription unavailable", zap.Error(err))
		return
	}
	defer close(linkDone)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			name := update.Link.Attrs().Name
			if m.cfg.Interface != "" && name != m.cfg.Interface {
				continue
			}
			m.log.Debug("network: link changed", zap.String("interface", name))
			select {
			case m.poke <- struct{}{}:
			default:
			}
		}
	}
}

func (m *Monitor) setStatus(st Status) {
	m.mu.Lock()
	changed := m.status != st
	m.status = st
	var targets []chan Status
	if changed {
		for _, ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()
	if !changed {
		return
	}

	m.log.Info("network: status changed",
		zap.Bool("link_up", st.LinkUp), zap.Bool("reachable", st.InternetReachable))
	for _, ch := range targets {
		select {
		case ch <- st:
		default:
		}
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(st)
	}
}

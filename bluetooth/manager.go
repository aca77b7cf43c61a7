package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/notify"
	"github.com/BasedNight/friend-lite/uplink"
	"github.com/BasedNight/friend-lite/utils"
)

const healthCheckInterval = 15 * time.Second

// PacketSink receives pendant packets for forwarding. The uplink client
// implements it; packets are accepted unconditionally and dropped there
// when no connection is open.
type PacketSink interface {
	SendAudio(packet []byte)
	SendButton(packet []byte)
	SendBattery(packet []byte)
	SendControl(kind string, meta map[string]any)
}

// ManagerConfig wires the pendant manager.
type ManagerConfig struct {
	Device DeviceConfig
	// Backoff overrides the listeners' retry policy. Zero value selects
	// ListenerBackoff.
	Backoff uplink.Backoff
	// Sink receives every pendant packet. Required.
	Sink PacketSink
	// Hub, when set, receives pendant lifecycle and stream events.
	Hub *utils.Hub
	// ResetCountersOnStop zeroes packet counters when streams stop.
	ResetCountersOnStop bool
	// Notifier surfaces stream-failure signals to the user. Defaults to
	// notify.Discard.
	Notifier notify.Notifier
	// NotifyTitle heads those notifications. Defaults to "Friend".
	NotifyTitle string
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Manager owns the pendant link and its three stream listeners. It finds
// and connects the device, keeps the link alive, and restarts the stream
// machines around connects and drops. Stream supervision itself lives in
// the listeners; the manager only owns the physical link.
type Manager struct {
	cfg       ManagerConfig
	log       *zap.Logger
	device    *Device
	listeners []*StreamListener

	mu        sync.Mutex
	running   bool
	connected bool
	battery   int
	statuses  map[string]StreamStatus
	cancel    context.CancelFunc
	done      chan struct{}
}

// ManagerStatus is the pendant-side status snapshot.
type ManagerStatus struct {
	Running      bool                    `json:"running"`
	Connected    bool                    `json:"connected"`
	BatteryLevel int                     `json:"batteryLevel"`
	Streams      map[string]StreamStatus `json:"streams"`
}

// NewManager builds the manager and its listeners. The pendant is not
// contacted until Start.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("bluetooth: manager needs a packet sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Device.Logger = cfg.Logger

	device, err := NewDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		device:   device,
		battery:  -1,
		statuses: make(map[string]StreamStatus),
	}

	streams := []struct {
		kind     string
		charUUID string
		onPacket func([]byte)
	}{
		{StreamAudio, AudioDataCharUUID, cfg.Sink.SendAudio},
		{StreamButton, ButtonTriggerCharUUID, m.onButtonPacket},
		{StreamBattery, BatteryLevelCharUUID, m.onBatteryPacket},
	}
	for _, s := range streams {
		m.listeners = append(m.listeners, NewStreamListener(ListenerConfig{
			Source:              device.Source(s.kind, s.charUUID),
			Backoff:             cfg.Backoff,
			OnPacket:            s.onPacket,
			OnStatus:            m.onStreamStatus,
			ResetCountersOnStop: cfg.ResetCountersOnStop,
			Notifier:            cfg.Notifier,
			NotifyTitle:         cfg.NotifyTitle,
			Logger:              cfg.Logger,
		}))
	}

	return m, nil
}

// Start launches the connect loop. It returns an error only when the
// manager is already running; the pendant being absent is a normal
// condition the loop keeps retrying.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("bluetooth: manager already running")
	}

	m.log.Info("pendant: manager starting")
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.run(ctx, m.done)
	return nil
}

// Stop winds the manager down: listeners first, then the BLE link.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	if err := m.device.Disconnect(); err != nil {
		m.log.Debug("pendant: disconnect", zap.Error(err))
	}
	m.log.Info("pendant: manager stopped")
}

// Close releases the bus connection after Stop.
func (m *Manager) Close() error {
	return m.device.Close()
}

// Status returns the pendant-side snapshot: link state, last battery
// reading and per-stream listener status.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := make(map[string]StreamStatus, len(m.statuses))
	for kind, st := range m.statuses {
		streams[kind] = st
	}
	return ManagerStatus{
		Running:      m.running,
		Connected:    m.connected,
		BatteryLevel: m.battery,
		Streams:      streams,
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.device.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("pendant: connect failed",
				zap.Error(err), zap.Duration("retry_in", DeviceRescanDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(DeviceRescanDelay):
			}
			continue
		}

		m.setConnected(true)
		if err := m.device.RequestHighPriority(); err != nil {
			m.log.Debug("pendant: connection priority request failed", zap.Error(err))
		}
		m.announceCodec(ctx)
		for _, l := range m.listeners {
			l.Start()
		}

		if !m.watchLink(ctx) {
			for _, l := range m.listeners {
				l.Stop()
			}
			m.setConnected(false)
			return
		}

		// Link dropped: stop the stream machines and fall back into the
		// connect loop. Each reconnect hands the listeners a fresh retry
		// budget.
		m.log.Warn("pendant: connection lost, reconnecting")
		for _, l := range m.listeners {
			l.Stop()
		}
		m.setConnected(false)
	}
}

// watchLink blocks until the link drops (true) or the manager stops
// (false).
func (m *Manager) watchLink(ctx context.Context) bool {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !m.device.Connected() {
				return true
			}
		}
	}
}

func (m *Manager) announceCodec(ctx context.Context) {
	codec, err := m.device.ReadCodec(ctx)
	if err != nil {
		m.log.Debug("pendant: codec read failed", zap.Error(err))
		return
	}
	m.log.Info("pendant: audio codec", zap.Int("codec", codec), zap.String("name", CodecName(codec)))
	m.cfg.Sink.SendControl("audio-codec", map[string]any{"codec": codec, "name": CodecName(codec)})
	m.broadcast("pendant/codec", map[string]any{"codec": codec, "name": CodecName(codec)})
}

func (m *Manager) onButtonPacket(data []byte) {
	m.cfg.Sink.SendButton(data)
	if len(data) > 0 {
		m.broadcast("pendant/button", map[string]any{"state": data[0]})
	}
}

func (m *Manager) onBatteryPacket(data []byte) {
	m.cfg.Sink.SendBattery(data)
	if len(data) == 0 {
		return
	}
	level := int(data[0])
	m.mu.Lock()
	m.battery = level
	m.mu.Unlock()
	m.broadcast("pendant/battery", map[string]any{"level": level})
}

func (m *Manager) onStreamStatus(st StreamStatus) {
	m.mu.Lock()
	m.statuses[st.Kind] = st
	m.mu.Unlock()
	m.broadcast("pendant/stream", st)
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		m.log.Info("pendant: connected")
		m.broadcast("pendant/connected", map[string]any{"timestamp": time.Now().Unix()})
	} else {
		m.broadcast("pendant/disconnected", map[string]any{"timestamp": time.Now().Unix()})
	}
}

func (m *Manager) broadcast(eventType string, payload any) {
	if m.cfg.Hub != nil {
		m.cfg.Hub.Broadcast(utils.Event{Type: eventType, Payload: payload})
	}
}

package bluetooth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// DeviceConfig identifies the pendant on the system bus.
type DeviceConfig struct {
	// Address is the pendant's MAC. When empty the device is discovered by
	// advertised name or by the audio service UUID.
	Address string
	// Name overrides the advertised-name match. Empty accepts the stock
	// pendant names.
	Name string
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Device is one BlueZ GATT peripheral. It owns the system-bus connection,
// routes characteristic notifications to their subscribers, and watches the
// link so every open stream learns about a drop.
type Device struct {
	conn *dbus.Conn
	log  *zap.Logger
	cfg  DeviceConfig

	signals chan *dbus.Signal

	mu          sync.Mutex
	adapterPath dbus.ObjectPath
	devicePath  dbus.ObjectPath
	chars       map[string]dbus.ObjectPath
	routes      map[dbus.ObjectPath]*gattSub
}

type gattSub struct {
	onData func([]byte)
	onErr  func(error)
}

// NewDevice connects to the system bus and registers for GATT and device
// property signals. The pendant itself is not touched until Connect.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: connect to system bus: %w", err)
	}

	d := &Device{
		conn:    conn,
		log:     cfg.Logger,
		cfg:     cfg,
		signals: make(chan *dbus.Signal, 64),
		chars:   make(map[string]dbus.ObjectPath),
		routes:  make(map[dbus.ObjectPath]*gattSub),
	}

	for _, arg0 := range []string{BLUEZ_CHAR_INTERFACE, BLUEZ_DEVICE_INTERFACE} {
		rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',arg0='%s'",
			DBUS_PROPERTIES_INTERFACE, arg0)
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			conn.Close()
			return nil, fmt.Errorf("bluetooth: add signal match: %w", call.Err)
		}
	}
	conn.Signal(d.signals)
	go d.routeSignals()

	return d, nil
}

// Close releases the bus connection. Open subscriptions die with it.
func (d *Device) Close() error {
	d.conn.RemoveSignal(d.signals)
	return d.conn.Close()
}

// Connect locates the pendant, establishes the BLE link and discovers its
// characteristics. It retries nothing itself; callers own the reconnect
// loop.
func (d *Device) Connect(ctx context.Context) error {
	adapterPath, err := d.findAdapter()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.adapterPath = adapterPath
	d.mu.Unlock()

	adapter := d.conn.Object(BLUEZ_BUS_NAME, adapterPath)
	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Store(); err != nil {
		d.log.Warn("bluetooth: could not start discovery", zap.Error(err))
	}
	select {
	case <-time.After(ScanSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	devicePath, err := d.findDevice(adapterPath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.devicePath = devicePath
	d.mu.Unlock()
	d.log.Info("bluetooth: found pendant", zap.String("path", string(devicePath)))

	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Store(); err != nil {
		d.log.Debug("bluetooth: stop discovery", zap.Error(err))
	}

	device := d.conn.Object(BLUEZ_BUS_NAME, devicePath)
	if err := device.CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Store(); err != nil {
		return fmt.Errorf("bluetooth: connect to pendant: %w", err)
	}

	if err := d.waitServicesResolved(ctx, device); err != nil {
		return err
	}
	return d.discoverCharacteristics()
}

// Disconnect drops the BLE link. Characteristic paths stay cached for the
// next Connect.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	devicePath := d.devicePath
	d.mu.Unlock()
	if devicePath == "" {
		return nil
	}
	device := d.conn.Object(BLUEZ_BUS_NAME, devicePath)
	return device.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Store()
}

// Connected reports whether the BLE link is up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	devicePath := d.devicePath
	d.mu.Unlock()
	if devicePath == "" {
		return false
	}
	device := d.conn.Object(BLUEZ_BUS_NAME, devicePath)
	var connected bool
	if err := device.Call(DBUS_PROPERTIES_INTERFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "Connected").Store(&connected); err != nil {
		d.log.Debug("bluetooth: connected check", zap.Error(err))
		return false
	}
	return connected
}

// Source returns the stream source backed by the given characteristic. The
// characteristic must have been discovered by Connect before the source is
// opened.
func (d *Device) Source(kind, charUUID string) StreamSource {
	return &gattSource{device: d, kind: kind, uuid: strings.ToLower(charUUID)}
}

// ReadCodec reads the audio codec identifier the pendant streams with.
func (d *Device) ReadCodec(ctx context.Context) (int, error) {
	path, ok := d.characteristic(AudioCodecCharUUID)
	if !ok {
		return CodecUnknown, fmt.Errorf("bluetooth: codec characteristic not discovered")
	}
	char := d.conn.Object(BLUEZ_BUS_NAME, path)
	var value []byte
	if err := char.CallWithContext(ctx, BLUEZ_CHAR_INTERFACE+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value); err != nil {
		return CodecUnknown, fmt.Errorf("bluetooth: read codec: %w", err)
	}
	if len(value) == 0 {
		return CodecUnknown, fmt.Errorf("bluetooth: empty codec value")
	}
	return int(value[0]), nil
}

// RequestHighPriority tightens the connection interval for the audio
// stream. The values are in 1.25ms units: 6-12 asks for the 7.5-15ms range.
// It needs debugfs access and is expected to fail on locked-down kernels;
// callers treat it as best-effort.
func (d *Device) RequestHighPriority() error {
	d.mu.Lock()
	adapterPath := d.adapterPath
	d.mu.Unlock()
	if adapterPath == "" {
		return fmt.Errorf("bluetooth: no adapter")
	}
	base := filepath.Join("/sys/kernel/debug/bluetooth", filepath.Base(string(adapterPath)))
	if err := os.WriteFile(filepath.Join(base, "conn_min_interval"), []byte("6"), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(base, "conn_max_interval"), []byte("12"), 0644)
}

func (d *Device) findAdapter() (dbus.ObjectPath, error) {
	objects, err := d.getManagedObjects()
	if err != nil {
		return "", err
	}
	for path, object := range objects {
		if _, ok := object[BLUEZ_ADAPTER_INTERFACE]; ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluetooth: no adapter found")
}

func (d *Device) findDevice(adapterPath dbus.ObjectPath) (dbus.ObjectPath, error) {
	objects, err := d.getManagedObjects()
	if err != nil {
		return "", err
	}

	for path, object := range objects {
		props, ok := object[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		if adapter, ok := props["Adapter"].Value().(dbus.ObjectPath); !ok || adapter != adapterPath {
			continue
		}

		address, _ := props["Address"].Value().(string)
		name, _ := props["Name"].Value().(string)

		if d.cfg.Address != "" {
			if strings.EqualFold(address, d.cfg.Address) {
				return path, nil
			}
			continue
		}
		if d.matchesName(name) {
			d.log.Info("bluetooth: matched pendant by name",
				zap.String("name", name), zap.String("address", address))
			return path, nil
		}
		if uuids, ok := props["UUIDs"].Value().([]string); ok {
			for _, uuid := range uuids {
				if strings.EqualFold(uuid, AudioServiceUUID) {
					d.log.Info("bluetooth: matched pendant by service UUID",
						zap.String("name", name), zap.String("address", address))
					return path, nil
				}
			}
		}
	}
	return "", fmt.Errorf("bluetooth: pendant not found")
}

func (d *Device) matchesName(name string) bool {
	if d.cfg.Name != "" {
		return name == d.cfg.Name
	}
	return name == DeviceNameFriend || name == DeviceNameOmi
}

func (d *Device) waitServicesResolved(ctx context.Context, device dbus.BusObject) error {
	deadline := time.Now().Add(ServiceResolveTimeout)
	for {
		var resolved bool
		if err := device.Call(DBUS_PROPERTIES_INTERFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&resolved); err == nil && resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bluetooth: service discovery timed out")
		}
		select {
		case <-time.After(ServiceResolvePollRate):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Device) discoverCharacteristics() error {
	objects, err := d.getManagedObjects()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	devicePrefix := string(d.devicePath) + "/service"
	d.chars = make(map[string]dbus.ObjectPath)
	for path, object := range objects {
		props, ok := object[BLUEZ_CHAR_INTERFACE]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		if uuid, ok := props["UUID"].Value().(string); ok {
			d.chars[strings.ToLower(uuid)] = path
		}
	}

	d.log.Info("bluetooth: discovered characteristics",
		zap.Int("count", len(d.chars)),
		zap.Bool("audio", d.hasCharLocked(AudioDataCharUUID)),
		zap.Bool("button", d.hasCharLocked(ButtonTriggerCharUUID)),
		zap.Bool("battery", d.hasCharLocked(BatteryLevelCharUUID)))
	if len(d.chars) == 0 {
		return fmt.Errorf("bluetooth: no characteristics discovered")
	}
	return nil
}

func (d *Device) hasCharLocked(uuid string) bool {
	_, ok := d.chars[strings.ToLower(uuid)]
	return ok
}

func (d *Device) characteristic(uuid string) (dbus.ObjectPath, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path, ok := d.chars[strings.ToLower(uuid)]
	return path, ok
}

func (d *Device) register(path dbus.ObjectPath, onData func([]byte), onErr func(error)) {
	d.mu.Lock()
	d.routes[path] = &gattSub{onData: onData, onErr: onErr}
	d.mu.Unlock()
}

func (d *Device) unregister(path dbus.ObjectPath) {
	d.mu.Lock()
	delete(d.routes, path)
	d.mu.Unlock()
}

// routeSignals fans bus signals out to stream subscribers: characteristic
// value changes go to the matching route, a dropped link is reported to
// every open subscription.
func (d *Device) routeSignals() {
	for sig := range d.signals {
		if sig.Name != DBUS_PROPERTIES_INTERFACE+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		switch iface {
		case BLUEZ_CHAR_INTERFACE:
			variant, ok := changed["Value"]
			if !ok {
				continue
			}
			data, ok := variant.Value().([]byte)
			if !ok {
				continue
			}
			d.mu.Lock()
			sub := d.routes[sig.Path]
			d.mu.Unlock()
			if sub != nil {
				sub.onData(data)
			}
		case BLUEZ_DEVICE_INTERFACE:
			variant, ok := changed["Connected"]
			if !ok {
				continue
			}
			connected, _ := variant.Value().(bool)
			d.mu.Lock()
			ours := sig.Path == d.devicePath
			d.mu.Unlock()
			if !connected && ours {
				d.log.Warn("bluetooth: pendant link dropped")
				d.failSubscriptions(fmt.Errorf("bluetooth: device disconnected"))
			}
		}
	}
}

func (d *Device) failSubscriptions(err error) {
	d.mu.Lock()
	subs := make([]*gattSub, 0, len(d.routes))
	for _, sub := range d.routes {
		subs = append(subs, sub)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		sub.onErr(err)
	}
}

func (d *Device) getManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := d.conn.Object(BLUEZ_BUS_NAME, "/")
	var managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&managedObjects); err != nil {
		return nil, fmt.Errorf("bluetooth: get managed objects: %w", err)
	}
	return managedObjects, nil
}

type gattSource struct {
	device *Device
	kind   string
	uuid   string

	mu   sync.Mutex
	path dbus.ObjectPath
}

func (s *gattSource) Kind() string { return s.kind }

func (s *gattSource) Open(ctx context.Context, onData func([]byte), onError func(error)) error {
	path, ok := s.device.characteristic(s.uuid)
	if !ok {
		return fmt.Errorf("bluetooth: characteristic %s not discovered", s.uuid)
	}

	// Route registration precedes StartNotify so the first notification
	// cannot slip through unrouted.
	s.device.register(path, onData, onError)
	char := s.device.conn.Object(BLUEZ_BUS_NAME, path)
	if err := char.CallWithContext(ctx, BLUEZ_CHAR_INTERFACE+".StartNotify", 0).Store(); err != nil {
		s.device.unregister(path)
		return fmt.Errorf("bluetooth: start notify %s: %w", s.kind, err)
	}

	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return nil
}

func (s *gattSource) Close() error {
	s.mu.Lock()
	path := s.path
	s.path = ""
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	s.device.unregister(path)
	char := s.device.conn.Object(BLUEZ_BUS_NAME, path)
	return char.Call(BLUEZ_CHAR_INTERFACE+".StopNotify", 0).Store()
}

// Package notify surfaces session status to the user while a streaming
// connection is active. Notifications are best-effort collaborators: every
// failure is logged by the caller and never aborts a connection flow.
package notify

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// Notifier keeps a user-visible status alive for the duration of a
// streaming session. Acquire is idempotent: a second call replaces the
// visible text instead of stacking a new notification. Release withdraws
// it and is safe to call without a prior Acquire.
type Notifier interface {
	Acquire(title, body string) error
	Release() error
}

// Discard is a Notifier that does nothing, for headless deployments and
// tests.
type Discard struct{}

func (Discard) Acquire(title, body string) error { return nil }
func (Discard) Release() error                   { return nil }

const (
	notifyBusName    = "org.freedesktop.Notifications"
	notifyObjectPath = "/org/freedesktop/Notifications"
	notifyInterface  = "org.freedesktop.Notifications"

	// Zero expiry keeps the notification up until we withdraw it.
	noExpiry = int32(0)
)

// DesktopNotifier shows a persistent desktop notification over the session
// bus. One notification id is held per notifier; repeated Acquires reuse it
// so the freedesktop server replaces the text in place.
type DesktopNotifier struct {
	conn *dbus.Conn

	mu sync.Mutex
	id uint32
}

// NewDesktopNotifier connects to the session bus. The returned notifier
// owns the connection.
func NewDesktopNotifier() (*DesktopNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &DesktopNotifier{conn: conn}, nil
}

func (n *DesktopNotifier) Acquire(title, body string) error {
	n.mu.Lock()
	replaces := n.id
	n.mu.Unlock()

	obj := n.conn.Object(notifyBusName, notifyObjectPath)
	var id uint32
	call := obj.Call(notifyInterface+".Notify", 0,
		"friend-lite",      // app_name
		replaces,           // replaces_id: 0 creates, otherwise updates
		"",                 // app_icon
		title,              // summary
		body,               // body
		[]string{},         // actions
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)),
		},
		noExpiry,
	)
	if err := call.Store(&id); err != nil {
		return err
	}

	n.mu.Lock()
	n.id = id
	n.mu.Unlock()
	return nil
}

func (n *DesktopNotifier) Release() error {
	n.mu.Lock()
	id := n.id
	n.id = 0
	n.mu.Unlock()

	if id == 0 {
		return nil
	}
	obj := n.conn.Object(notifyBusName, notifyObjectPath)
	return obj.Call(notifyInterface+".CloseNotification", 0, id).Err
}

// Close releases the underlying bus connection.
func (n *DesktopNotifier) Close() error {
	return n.conn.Close()
}

package uplink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Message types carried by a Conn, mirroring RFC 6455 data frames. Frame
// headers travel as text, payloads as binary.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// ManualCloseCode and ManualCloseReason form the close signal that marks an
// intentional shutdown. Any other close status observed on the wire is
// abnormal and eligible for retry.
const (
	ManualCloseCode   = websocket.CloseNormalClosure
	ManualCloseReason = "manual-stop"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	closeGraceTimeout       = time.Second
)

// IsManualClose reports whether a close status is the intentional-shutdown
// signal.
func IsManualClose(code int, reason string) bool {
	return code == ManualCloseCode && reason == ManualCloseReason
}

// CloseError reports that the transport closed with the given status. Reads
// on a closed Conn return it so the supervisor can classify the closure.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("uplink: connection closed: code %d reason %q", e.Code, e.Reason)
}

// Transport opens duplex connections to an uplink endpoint.
type Transport interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// Conn is one open duplex connection. Implementations need not support
// concurrent writers; the supervisor serializes all writes.
type Conn interface {
	// WriteMessage sends one complete message of the given type.
	WriteMessage(messageType int, data []byte) error
	// ReadMessage blocks for the next inbound message. When the connection
	// closes it returns a *CloseError carrying the close status, or a plain
	// error when no status is available.
	ReadMessage() ([]byte, error)
	// Close tears the connection down, announcing the given close status to
	// the peer on a best-effort basis.
	Close(code int, reason string) error
}

// WebSocketTransport dials ws:// and wss:// targets.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

// NewWebSocketTransport returns a transport with sane dial defaults.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, target string) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(closeGraceTimeout)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

package uplink

import (
	"errors"

	"go.uber.org/zap"
)

// errNotOpen marks sends attempted while no connection is open. It never
// reaches callers: data sends are fire-and-forget by contract.
var errNotOpen = errors.New("uplink: connection not open")

// SendAudio forwards one audio packet. It is a silent no-op when the
// connection is not open or the packet is empty; transport failures are
// recorded in the status observables, never returned.
func (c *Client) SendAudio(packet []byte) {
	c.send(KindAudio, packet)
}

// SendButton forwards one button event payload under the same contract as
// SendAudio.
func (c *Client) SendButton(packet []byte) {
	c.send(KindButton, packet)
}

// SendBattery forwards one battery reading under the same contract as
// SendAudio.
func (c *Client) SendBattery(packet []byte) {
	c.send(KindBattery, packet)
}

// SendControl emits a header-only frame of an arbitrary kind with optional
// extra header fields. Control frames carry no binary payload, so the
// empty-payload guard does not apply; like the data sends it is a no-op
// when the connection is not open.
func (c *Client) SendControl(kind string, meta map[string]any) {
	if err := c.writeFrame(kind, meta, nil); err != nil && !errors.Is(err, errNotOpen) {
		c.log.Warn("uplink: control frame failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (c *Client) send(kind string, packet []byte) {
	if len(packet) == 0 {
		return
	}
	if err := c.writeFrame(kind, nil, packet); err != nil {
		// Dropped frames during connection gaps are expected; the retry
		// machinery recovers the stream.
		c.log.Debug("uplink: frame dropped", zap.String("kind", kind), zap.Error(err))
	}
}

// writeFrame encodes and writes one framed event: a JSON header as a text
// message, then the raw payload, if any, as a binary message. The two
// writes happen under the connection lock so concurrent senders cannot
// interleave a header with a foreign payload.
func (c *Client) writeFrame(kind string, meta map[string]any, payload []byte) error {
	header, err := EncodeFrame(kind, meta, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return errNotOpen
	}
	werr := c.conn.WriteMessage(TextMessage, header)
	if werr == nil && len(payload) > 0 {
		werr = c.conn.WriteMessage(BinaryMessage, payload)
	}
	if werr != nil {
		terr := transportErr("write", werr)
		c.lastErr = terr.Error()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.sink.publish(snap)
		return terr
	}
	c.framesSent++
	c.mu.Unlock()
	return nil
}

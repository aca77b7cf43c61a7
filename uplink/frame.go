package uplink

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is stamped into every frame header.
const ProtocolVersion = 1

// Frame kinds multiplexed over one uplink connection.
const (
	KindAudio   = "audio"
	KindButton  = "button"
	KindBattery = "battery"
	KindPing    = "ping"
)

// EncodeFrame builds the header of one framed event: a JSON object carrying
// kind, protocolVersion, payloadLength and the caller's metadata fields,
// terminated by a newline. The payload itself travels as a separate binary
// write of exactly payloadLength bytes. payloadLength is null exactly when
// no payload is attached; metadata must not use the three reserved keys.
//
// Frames are constructed fresh per send and never reused. Only the encode
// direction exists: server replies are informational and are logged, not
// decoded.
func EncodeFrame(kind string, meta map[string]any, payload []byte) ([]byte, error) {
	if kind == "" {
		return nil, fmt.Errorf("uplink: frame kind is empty")
	}
	header := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		header[k] = v
	}
	header["kind"] = kind
	header["protocolVersion"] = ProtocolVersion
	if len(payload) > 0 {
		header["payloadLength"] = len(payload)
	} else {
		header["payloadLength"] = nil
	}
	buf, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("uplink: encode %s frame: %w", kind, err)
	}
	return append(buf, '\n'), nil
}

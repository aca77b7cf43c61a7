package utils

// Event is the envelope for every message pushed to WebSocket clients.
// Type is a slash-scoped name like "pendant/battery" or "uplink/status";
// Payload is any JSON-marshalable value.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

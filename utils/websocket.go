package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Slow clients get this long per write before they are dropped.
const clientWriteTimeout = 100 * time.Millisecond

// Hub fans daemon events out to every connected WebSocket client.
type Hub struct {
	log *zap.Logger

	// sendMu serializes broadcasts: gorilla conns do not allow
	// concurrent writers.
	sendMu sync.Mutex

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	h.log.Debug("hub: client registered", zap.Int("clients", len(h.clients)))
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends an event to all clients in parallel. Clients that miss
// the write deadline are dropped so one stalled reader cannot hold up the
// event stream.
func (h *Hub) Broadcast(event Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range failed {
		if _, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			conn.Close()
		}
	}
	h.mu.Unlock()
	h.log.Debug("hub: dropped unresponsive clients", zap.Int("count", len(failed)))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

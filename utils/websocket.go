package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeDeadline = 100 * time.Millisecond

type WebSocketHub struct {
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	log     logrus.FieldLogger

	// sendMu serializes broadcasts; a connection allows one writer at a time.
	sendMu sync.Mutex
}

func NewWebSocketHub(log logrus.FieldLogger) *WebSocketHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]bool),
		log:     log.WithField("component", "ws_hub"),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	h.log.WithField("remote", conn.RemoteAddr().String()).Debug("client added")
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			// Slow clients must not hold up the fold loop.
			c.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}

	wg.Wait()

	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, conn := range failedClients {
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		h.mu.Unlock()
		h.log.WithField("dropped", len(failedClients)).Info("dropped websocket clients after failed write")
	}
}

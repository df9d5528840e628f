package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const defaultSendBuf = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub manages connected WebSocket clients and broadcasts to all of them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, exists := h.clients[c]; exists {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a text frame to all connected clients.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client: drop frame rather than block
		}
	}
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("json.Marshal: %v", err)
		return
	}
	h.Broadcast(data)
}

// ServeWS upgrades the request and streams broadcasts to the client until it
// goes away. A non-nil greeting is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, greeting []byte) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WS upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, defaultSendBuf)}
	if greeting != nil {
		c.send <- greeting
	}
	h.register(c)
	log.Debugf("WS client connected: %s", conn.RemoteAddr())

	go func() {
		defer func() {
			_ = conn.Close()
			log.Debugf("WS client disconnected: %s", conn.RemoteAddr())
		}()
		for frame := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}()

	// Read pump: consume frames to detect client disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

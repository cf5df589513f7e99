package server

import (
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Messages pushed to WebSocket clients. Type discriminates on the wire.
type (
	// TriggerMsg announces a fired trigger.
	TriggerMsg struct {
		Type       string    `json:"type"` // "trigger"
		Kind       string    `json:"kind"`
		FiredAt    time.Time `json:"firedAt"`
		Count      uint64    `json:"count"`
		Confidence float64   `json:"confidence"`
	}

	// ProgressMsg reports dwell progress for the on-screen indicator.
	ProgressMsg struct {
		Type     string  `json:"type"` // "progress"
		Kind     string  `json:"kind"`
		Progress float64 `json:"progress"`
		Locked   bool    `json:"locked"`
	}

	// RecordingMsg announces a recording state change.
	RecordingMsg struct {
		Type      string `json:"type"` // "recording"
		Recording bool   `json:"recording"`
	}

	// PresenceMsg announces a change in subject visibility from the pose
	// worker.
	PresenceMsg struct {
		Type        string `json:"type"` // "presence"
		BodyPresent bool   `json:"bodyPresent"`
		BackFacing  bool   `json:"backFacing"`
	}
)

// Hub broadcasts pipeline events to every connected WebSocket client.
type Hub struct {
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "ws"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.log.Debug("client connected", "remote", conn.RemoteAddr().String())

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast sends a message to all connected clients. Clients whose write
// fails are dropped.
func (h *Hub) Broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

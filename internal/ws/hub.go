// Package ws fans engine events out to websocket clients grouped by
// session. Delivery is best effort: slow clients get dropped, and a publish
// never blocks or fails the operation that triggered it.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tradefloor/internal/auth"
)

const clientBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is the wire shape carried to clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

// Hub implements engine.Notifier. Each session has its own room; clients
// attach with the token issued on create/join.
type Hub struct {
	auth *auth.Service

	mu    sync.RWMutex
	rooms map[string]map[*client]bool
}

func NewHub(authService *auth.Service) *Hub {
	return &Hub{
		auth:  authService,
		rooms: make(map[string]map[*client]bool),
	}
}

// Publish sends the event to every client in the session's room. Clients
// whose buffers are full are disconnected rather than waited on.
func (h *Hub) Publish(sessionID, event string, payload any) {
	data, err := json.Marshal(Event{Event: event, Data: payload})
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	room := h.rooms[sessionID]
	var stale []*client
	for c := range room {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.remove(c)
	}
}

// ServeHTTP upgrades the connection and joins the client to the room of the
// session its token names.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := h.auth.VerifyToken(token)
	if err != nil {
		http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: failed to upgrade connection: %v", err)
		return
	}

	c := &client{
		sessionID: claims.SessionID,
		conn:      conn,
		send:      make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	room, ok := h.rooms[c.sessionID]
	if !ok {
		room = make(map[*client]bool)
		h.rooms[c.sessionID] = room
	}
	room[c] = true
	h.mu.Unlock()

	go c.writePump()
	c.readPump(h)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.sessionID]; ok {
		if room[c] {
			delete(room, c)
			close(c.send)
		}
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump drains inbound frames until the peer goes away. Clients never
// send anything meaningful; reads exist to detect disconnects.
func (c *client) readPump(h *Hub) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

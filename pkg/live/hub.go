package live

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"example.com/call_coach/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CoachController receives live coaching toggles from UI clients.
type CoachController interface {
	SetCoaching(enabled bool)
}

// controlMessage is what UI clients may send. Anything else is ignored.
type controlMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub fans session events out to connected UI clients over WebSocket and
// feeds their control messages back into the session.
type Hub struct {
	controller CoachController

	mu      sync.RWMutex
	clients map[string]*client

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. controller may be nil when no session is running yet.
func NewHub(controller CoachController) *Hub {
	return &Hub{
		controller: controller,
		clients:    make(map[string]*client),
		done:       make(chan struct{}),
	}
}

// Run consumes the event stream and broadcasts every event until the stream
// or the hub closes. Call in its own goroutine.
func (h *Hub) Run(events <-chan session.Event) {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends one event to every connected client. A client whose write
// fails is dropped.
func (h *Hub) Broadcast(ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Live] Marshal event %s: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(payload); err != nil {
			log.Printf("[Live] Dropping client %s: %v", c.id, err)
			h.remove(c.id)
		}
	}
}

// HandleWS upgrades the request and serves the client until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] WebSocket upgrade error: %v", err)
		return
	}

	c := &client{id: xid.New().String(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Live] Client %s connected (%d total)", c.id, count)

	defer func() {
		h.remove(c.id)
		conn.Close()
		log.Printf("[Live] Client %s disconnected", c.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleControl(data)
	}
}

// handleControl applies a client control message. Malformed or unknown
// messages are ignored, never fatal to the connection.
func (h *Hub) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[Live] Ignoring malformed control message: %v", err)
		return
	}
	switch msg.Type {
	case "coach_toggle":
		if h.controller != nil {
			h.controller.SetCoaching(msg.Enabled)
		}
	default:
		log.Printf("[Live] Ignoring unknown control message type %q", msg.Type)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcast loop and disconnects all clients.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			c.conn.Close()
			delete(h.clients, id)
		}
		h.mu.Unlock()
	})
}

// Package live pushes dashboard events over a websocket, adapted from the
// teacher's internal/websocket Hub (register/unregister/broadcast channel
// shape, ping/pong keepalive) from raw MQTT sensor datapoint push to
// gateway-side state-change, peer-table, and OTA-progress push.
package live

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Event is one dashboard push. Kind distinguishes the payload shape the
// client should expect: "state", "peer", or "ota_progress".
type Event struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// StateChange is the Data shape for a "state" Event.
type StateChange struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	OldValue string `json:"old_value"`
}

// PeerUpdate is the Data shape for a "peer" Event.
type PeerUpdate struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Alive       bool   `json:"alive"`
	Coordinator bool   `json:"coordinator"`
}

// OTAProgress is the Data shape for an "ota_progress" Event.
type OTAProgress struct {
	UpdateID     string `json:"update_id"`
	NodeID       uint32 `json:"node_id"`
	CurrentPart  int    `json:"current_part"`
	TotalParts   int    `json:"total_parts"`
}

// Hub fans Events out to every connected dashboard client.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

// NewHub creates an unstarted Hub; call Run in a goroutine before ServeWS
// accepts connections.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// Push enqueues an Event for every connected client, dropping it with a log
// line if the broadcast channel is saturated rather than blocking the
// caller (the scheduler tick).
func (h *Hub) Push(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		log.Printf("[GATEWAY] live broadcast channel full, dropping %s event", evt.Kind)
	}
}

// Run drives the register/unregister/broadcast loop until the process
// exits; call it once in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("[GATEWAY] dashboard client connected, total=%d", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("[GATEWAY] dashboard client disconnected, total=%d", len(h.clients))

		case evt := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- evt:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and registers
// it with the Hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERR] live upgrade: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan Event, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ERR] live read: %v", err)
			}
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("[ERR] live marshal: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount reports how many dashboard clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

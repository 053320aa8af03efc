// Package hub pushes dashboard updates to WebSocket clients. Every client
// belongs to one user and only receives that user's messages.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stockwise/market-engine/internal/metrics"
)

// Message types pushed to clients.
const (
	TypeSnapshot  = "snapshot"
	TypeValuation = "valuation"
	TypeLedger    = "ledger"
	TypeFault     = "fault"
	TypeAlert     = "alert"
	TypeTrade     = "trade"
	TypeSelection = "selection"
	TypeWatchlist = "watchlist"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type envelope struct {
	userID string
	data   []byte
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Greeter returns the messages a freshly connected client should see first,
// e.g. the current snapshot and valuation.
type Greeter func(userID string) []Message

// Hub manages WebSocket connections and fans messages out per user.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	greeter  Greeter
	userOf   func(*http.Request) string
}

// New creates a hub. userOf extracts the user id from the upgrade request.
func New(userOf func(*http.Request) string) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true // CORS is open on the REST side as well.
			},
		},
		userOf: userOf,
	}
}

// SetGreeter sets the function that produces the initial messages.
func (h *Hub) SetGreeter(g Greeter) { h.greeter = g }

// Run starts the hub's main event loop until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			close(h.stopped)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "user", c.userID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != env.userID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow consumer: drop the client rather than stall everyone.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends msg to every client of userID. Never blocks.
func (h *Hub) Publish(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking the price path.
	}
}

// Connected returns the number of clients connected for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := h.userOf(r)
	if userID == "" {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	if h.greeter != nil {
		for _, msg := range h.greeter(userID) {
			if data, err := json.Marshal(msg); err == nil {
				c.send <- data
			}
		}
	}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It sends queued messages
// and pings to keep the connection alive through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
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

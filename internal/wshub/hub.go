// Package wshub implements a websocket broadcast hub that pushes the
// latest usage snapshot to connected front-ends after every refresh
// cycle. Adapted from the teacher's Hub (internal/websocket): a state
// getter closure, a register/unregister/broadcast goroutine, and a thin
// per-connection writer loop.
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is the envelope sent to every connected client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub tracks connected clients and broadcasts Messages to all of them.
// stateGetter supplies the full current-state snapshot sent to a client
// immediately upon connecting.
type Hub struct {
	stateGetter func() interface{}

	mu      sync.Mutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan Message
}

// NewHub builds a Hub. stateGetter is called once per new connection to
// produce the "initialState" message; it must not block for long.
func NewHub(stateGetter func() interface{}) *Hub {
	return &Hub{
		stateGetter: stateGetter,
		clients:     make(map[*client]bool),
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan Message, 32),
	}
}

// Run processes register/unregister/broadcast events until its channel is
// closed. Intended to be started once in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c, ok := <-h.register:
			if !ok {
				return
			}
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg, ok := <-h.broadcast:
			if !ok {
				return
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastUsage pushes the latest usage payload to every connected
// client. Called by the scheduler after a cycle completes.
func (h *Hub) BroadcastUsage(payload interface{}) {
	h.broadcast <- Message{Type: "usageUpdated", Data: payload}
}

// BroadcastResetEvent pushes a single reset event to every connected
// client as it happens, rather than waiting for the next full snapshot.
func (h *Hub) BroadcastResetEvent(payload interface{}) {
	h.broadcast <- Message{Type: "resetEvent", Data: payload}
}

// ClientCount returns the number of currently connected clients, used by
// the diagnostics endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request, sends the initial state, and
// starts the per-connection read/write pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Message, 16)}
	h.register <- c

	if h.stateGetter != nil {
		select {
		case c.send <- Message{Type: "initialState", Data: h.stateGetter()}:
		default:
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn().Err(err).Msg("marshal websocket message failed")
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

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
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
			return
		}
	}
}

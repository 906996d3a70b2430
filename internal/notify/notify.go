// Package notify pushes reload signals to connected browsers after a
// successful rebuild, over a small WebSocket hub.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loomworks/loom/internal/logging"
)

// Message is the wire format pushed to clients.
type Message struct {
	Type    string `json:"type"`
	Changes int    `json:"changes,omitempty"`
}

// Hub tracks connected clients and broadcasts reload messages. A single
// goroutine owns the client set; registration, removal and broadcasting all
// go through its channels.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	count      chan chan int

	logger logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 64),
		count:      make(chan chan int),
		logger:     logger.WithComponent("notify"),
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

// Reload tells every connected client to refresh. Non-blocking: if the
// broadcast buffer is full the signal is dropped, the next one will land.
func (h *Hub) Reload(changes int) {
	payload, _ := json.Marshal(Message{Type: "reload", Changes: changes})
	select {
	case h.broadcast <- payload:
	case <-h.ctx.Done():
	default:
	}
}

// ClientCount reports how many clients are connected. It round-trips
// through the dispatch loop, so it observes registrations that were queued
// before the call.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.ctx.Done():
		return 0
	}
}

// Shutdown closes every client connection and stops the dispatch loop. It
// is idempotent.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(h.cancel)
}

// ServeHTTP upgrades the request and parks the connection in the hub until
// the client goes away or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	select {
	case h.register <- conn:
	case <-h.ctx.Done():
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	// Reads only detect disconnects; clients never send anything we use.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.ctx.Done():
			}
		}()
		for {
			if _, _, err := conn.Read(h.ctx); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = struct{}{}
			h.logger.Debug(h.ctx, "client connected", "clients", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close(websocket.StatusNormalClosure, "")
			}

		case payload := <-h.broadcast:
			for conn := range h.clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					delete(h.clients, conn)
					conn.Close(websocket.StatusAbnormalClosure, "write failed")
				}
				cancel()
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-h.ctx.Done():
			for conn := range h.clients {
				conn.Close(websocket.StatusGoingAway, "shutting down")
			}
			h.clients = nil
			return
		}
	}
}

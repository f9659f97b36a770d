package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetguard/fleetguard/server/observability"
	"github.com/fleetguard/fleetguard/server/store"
)

const maxStreamConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard runs on a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHub fans freshly ingested security events out to dashboard
// WebSocket clients. Single broadcaster pattern: handlers push into the
// broadcast channel and one goroutine owns all writes.
type EventsHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan *store.SecurityEvent
	mu         sync.RWMutex
}

// NewEventsHub creates an empty hub; call Run to start it.
func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan *store.SecurityEvent, 64),
	}
}

// Run starts the hub's main loop. It exits when ctx is cancelled.
func (h *EventsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[WARN] Stream connection rejected: max connections (%d) reached", maxStreamConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))
			log.Printf("[INFO] Stream client connected. Total: %d", count)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))
			log.Printf("[INFO] Stream client disconnected. Total: %d", count)

		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

func (h *EventsHub) broadcastEvent(ev *store.SecurityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Write deadline prevents one dead connection from stalling the hub.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("[WARN] Stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[INFO] Shutting down stream hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Broadcast queues an event for delivery. Drops when the hub is saturated:
// the stream is a convenience view, the store holds the record.
func (h *EventsHub) Broadcast(ev *store.SecurityEvent) {
	select {
	case h.broadcast <- ev:
	default:
	}
}

// Register adds a client connection.
func (h *EventsHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventsHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleStream upgrades the request and parks a read pump that detects
// client disconnects.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] Stream upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn)

	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

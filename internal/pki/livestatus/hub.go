// Package livestatus broadcasts system status events (spec §4.7's
// POST /v1/system/status) to connected journalists in real time over a
// WebSocket, so a journalist's client can show outage/degraded banners
// without polling. Grounded on the teacher's reconnect/fan-out daemon
// shape: a single writer goroutine per connection, a bounded outbound
// buffer, and a ping/pong liveness check instead of relying on TCP alone.
package livestatus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	outboundBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Journalist/user clients may run on a different origin than the API;
	// the API has no session cookies to protect, so this is not a CSRF
	// surface the way a cookie-authenticated endpoint would be.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the wire shape pushed to every connected client, matching
// internal/pki/httpapi's statusEventDTO field names so one client-side
// type can decode both the POST /v1/system/status response and the live
// feed.
type Event struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// Hub fans out Broadcast calls to every currently connected client. The
// zero value is not usable; construct with New.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	outbox  chan Event
	closeWG sync.WaitGroup
}

func New() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast pushes event to every connected client's outbox, dropping it
// for any client whose outbox is already full rather than blocking the
// caller — a slow or dead client must never stall status publication for
// everyone else.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.outbox <- event:
		default:
		}
	}
}

// ConnectedClients reports how many WebSocket connections are currently
// registered, for health/metrics reporting.
func (h *Hub) ConnectedClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades r to a WebSocket and streams status events to it until
// the connection closes. It blocks until the connection ends, so callers
// typically run it directly from an http.HandlerFunc.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, outbox: make(chan Event, outboundBuffer)}
	h.register(c)
	defer h.unregister(c)

	c.closeWG.Add(1)
	go h.writeLoop(c)

	// The read loop only exists to detect the client going away (clients
	// never send anything meaningful) and to respond to pong frames that
	// keep pongWait from expiring.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(c.outbox)
	c.closeWG.Wait()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.conn.Close()
}

func (h *Hub) writeLoop(c *client) {
	defer c.closeWG.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

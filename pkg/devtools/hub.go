package devtools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wilhg/composable/pkg/store"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// LiveRecord is the wire form of a store.Record.
type LiveRecord struct {
	Store  string          `json:"store"`
	Seq    uint64          `json:"seq"`
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Action json.RawMessage `json:"action,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	At     time.Time       `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans processed actions out to connected websocket clients. It is a
// store.Tap; a client that cannot keep up misses records rather than
// slowing the store down.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu      sync.Mutex
	clients map[*client]struct{}
	dropped uint64
}

var _ store.Tap = (*Hub)(nil)

// NewHub returns a hub that buffers up to buffer records per client.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{logger: logger, buffer: buffer, clients: make(map[*client]struct{})}
}

// Observe implements store.Tap.
func (h *Hub) Observe(r store.Record) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	msg, err := json.Marshal(encodeRecord(r))
	if err != nil {
		h.logger.Warn("devtools: encode record", "store", r.Store, "seq", r.Seq, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

func encodeRecord(r store.Record) LiveRecord {
	lr := LiveRecord{
		Store:  r.Store,
		Seq:    r.Seq,
		Origin: r.Origin.String(),
		Type:   fmt.Sprintf("%T", r.Action),
		At:     r.At,
	}
	if b, err := json.Marshal(r.Action); err == nil {
		lr.Action = b
	}
	if b, err := json.Marshal(r.State); err == nil {
		lr.State = b
	}
	return lr
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped reports how many client deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Handle upgrades the request and streams records until the client goes
// away.
func (h *Hub) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("devtools: websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: ws, send: make(chan []byte, h.buffer)}
	h.register(cl)
	h.logger.Info("devtools: live client connected", "remote", c.Request.RemoteAddr)

	go h.readLoop(cl)
	h.writeLoop(cl)
}

// readLoop discards client messages; it exists to observe close frames
// and pongs.
func (h *Hub) readLoop(cl *client) {
	defer h.unregister(cl)
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
		h.logger.Info("devtools: live client disconnected")
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(cl)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(cl)
				return
			}
		}
	}
}

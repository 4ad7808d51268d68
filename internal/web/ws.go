package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gcslink/internal/gcs"
	"gcslink/internal/link"
	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is served on a private field network; any page may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamFrame is one push on /ws/telemetry.
type StreamFrame struct {
	Type      string            `json:"type"`
	Link      link.Status       `json:"link"`
	Vehicle   vehicle.State     `json:"vehicle"`
	Telemetry *telemetry.Sample `json:"telemetry,omitempty"`
	Fresh     bool              `json:"fresh"`
	AgeMillis int64             `json:"age_ms"`
}

func streamFrame(snap gcs.Snapshot) StreamFrame {
	return StreamFrame{
		Type:      "telemetry",
		Link:      snap.Link,
		Vehicle:   snap.Vehicle,
		Telemetry: snap.Telemetry,
		Fresh:     snap.Fresh,
		AgeMillis: snap.TelemetryAge.Milliseconds(),
	}
}

type wsClient struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	remote      string
	connectedAt time.Time
}

// Hub fans telemetry snapshots out to websocket clients at a fixed rate.
// A client that cannot keep up is disconnected rather than slowing others.
type Hub struct {
	snapshot func() gcs.Snapshot
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
}

func NewHub(snapshot func() gcs.Snapshot, interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		snapshot: snapshot,
		interval: interval,
		log:      logger.With("component", "ws"),
		clients:  make(map[string]*wsClient),
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run pushes a frame to every client each interval until ctx is done, then
// closes all clients.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	defer h.closeAll()

	var lastSeq uint64
	var lastState link.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if h.Clients() == 0 {
			continue
		}
		snap := h.snapshot()
		seq := uint64(0)
		if snap.Telemetry != nil {
			seq = snap.Telemetry.Seq
		}
		// Nothing new: skip unless freshness may have flipped.
		if seq == lastSeq && snap.Link.State == lastState && snap.Fresh {
			continue
		}
		lastSeq, lastState = seq, snap.Link.State
		b, err := json.Marshal(streamFrame(snap))
		if err != nil {
			h.log.Warn("marshal stream frame failed", "error", err)
			continue
		}
		h.broadcast(b)
	}
}

func (h *Hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Info("dropping slow stream client", "client", id)
			delete(h.clients, id)
			close(c.send)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("stream client connected", "client", c.id, "remote", c.remote, "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("stream client disconnected", "client", c.id, "clients", n, "connected_for", time.Since(c.connectedAt).Round(time.Second))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		remote:      r.RemoteAddr,
		connectedAt: time.Now(),
	}

	// First frame right away so the UI does not wait a full interval.
	if b, err := json.Marshal(streamFrame(h.snapshot())); err == nil {
		c.send <- b
	}
	h.add(c)
	go h.writePump(c)
	go h.readPump(c)
}

// readPump only handles control frames; clients send nothing meaningful.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("stream client read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

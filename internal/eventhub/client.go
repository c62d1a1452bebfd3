package eventhub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// inbound frame shapes (client -> server).
type inFrame struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// client is one connected WebSocket subscriber.
type client struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send   chan []byte
	closed atomic.Bool
	once   sync.Once

	mu            sync.Mutex
	authenticated bool
	subscriptions map[Topic]bool
	bufferedBytes int64

	isAlive       atomic.Bool
	droppedEvents atomic.Int64
}

func newClient(conn *websocket.Conn, cfg Config, logger *slog.Logger) *client {
	c := &client{
		id:            newClientID(),
		conn:          conn,
		cfg:           cfg,
		logger:        logger,
		send:          make(chan []byte, 256),
		subscriptions: make(map[Topic]bool),
	}
	c.isAlive.Store(true)
	return c
}

func (c *client) isSubscribed(t Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated && c.subscriptions[t]
}

// trySend enqueues a frame if doing so would not push bufferedBytes
// past cfg.MaxClientQueue; otherwise it drops the frame and reports
// false so the caller can count it.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	if c.bufferedBytes+int64(len(data)) > int64(c.cfg.MaxClientQueue) {
		c.mu.Unlock()
		return false
	}
	c.bufferedBytes += int64(len(data))
	c.mu.Unlock()

	select {
	case c.send <- data:
		return true
	default:
		c.mu.Lock()
		c.bufferedBytes -= int64(len(data))
		c.mu.Unlock()
		return false
	}
}

// enqueueCritical sends a protocol-essential frame (auth_ok,
// subscribed, snapshot, pong) that is never subject to the
// backpressure drop rule — only published topic events are dropped.
// Heartbeat pings are written by writePump directly, not through here.
func (c *client) enqueueCritical(data []byte) {
	c.mu.Lock()
	c.bufferedBytes += int64(len(data))
	c.mu.Unlock()
	c.send <- data
}

func (c *client) releaseBytes(n int) {
	c.mu.Lock()
	c.bufferedBytes -= int64(n)
	if c.bufferedBytes < 0 {
		c.bufferedBytes = 0
	}
	c.mu.Unlock()
}

func (c *client) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(2 * time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.send)
		_ = c.conn.Close()
	})
}

// run drives one client's handshake, then its read and write pumps
// until close. Registered with the hub only after successful auth,
// then subscribe, in that order.
func (h *Hub) run(c *client) {
	defer c.closeWith(CloseShutdown, "") // no-op if already closed

	if !h.handshake(c) {
		return
	}

	h.register(c)
	defer h.unregister(c)

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c, done)
}

// handshake enforces the auth-then-subscribe sequence: the first
// frame must be {type:"auth"} within AuthTimeout, then {type:"subscribe"}.
func (h *Hub) handshake(c *client) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.closeWith(CloseAuthRequired, "auth required")
		return false
	}
	var f inFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != "auth" {
		c.closeWith(CloseAuthRequired, "auth required")
		return false
	}
	if h.auth == nil || !h.auth.ValidateToken(f.Token) {
		c.closeWith(CloseAuthFailed, "auth failed")
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	c.enqueueCritical(mustJSON(wrap("auth_ok", map[string]any{"clientId": c.id, "ts": nowISO()})))

	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, raw, err = c.conn.ReadMessage()
	if err != nil {
		c.closeWith(CloseInvalidSubscription, "subscribe required")
		return false
	}
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != "subscribe" {
		c.closeWith(CloseInvalidSubscription, "subscribe required")
		return false
	}

	var accepted []Topic
	for _, t := range f.Topics {
		if validTopic(Topic(t)) {
			accepted = append(accepted, Topic(t))
		}
	}
	if len(accepted) == 0 {
		c.closeWith(CloseInvalidSubscription, "no valid topics")
		return false
	}

	c.mu.Lock()
	for _, t := range accepted {
		c.subscriptions[t] = true
	}
	c.mu.Unlock()

	c.enqueueCritical(mustJSON(wrap("subscribed", map[string]any{"topics": accepted, "ts": nowISO()})))

	if snap := h.buildSnapshot(accepted); snap != nil {
		payload := map[string]any{"v": 1, "ts": nowISO()}
		for topic, v := range snap {
			payload[string(topic)] = v
		}
		c.enqueueCritical(mustJSON(wrap("snapshot", payload)))
	}

	_ = c.conn.SetReadDeadline(time.Time{})
	return true
}

// readPump drains inbound frames (pong/ping keepalives, subsequent
// protocol errors) until the connection closes.
func (h *Hub) readPump(c *client, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f inFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case "pong":
			c.isAlive.Store(true)
		case "ping":
			c.enqueueCritical(mustJSON(map[string]any{"type": "pong"}))
		}
	}
}

// writePump flushes queued frames and drives the heartbeat timer. A
// client that misses one heartbeat round-trip is closed with
// CloseStale.
func (h *Hub) writePump(c *client, done chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.releaseBytes(len(data))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if !c.isAlive.CompareAndSwap(true, false) {
				c.closeWith(CloseStale, "stale connection")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "ping"})); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

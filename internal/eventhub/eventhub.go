// Package eventhub implements the control-plane event fan-out: an
// authenticated WebSocket hub that broadcasts typed runtime events to
// subscribed clients with per-client backpressure, heartbeats, and
// initial-snapshot semantics.
//
// The read/write pump shape mirrors a typical gorilla/websocket client
// dialer, inverted: websocket.Upgrader in place of websocket.Dialer,
// one goroutine pair per accepted connection instead of one shared
// client connection.
package eventhub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Topic identifies a stream of runtime events.
type Topic string

const (
	TopicHealth      Topic = "health"
	TopicReliability Topic = "reliability"
	TopicIncidents   Topic = "incidents"
	TopicRouting     Topic = "routing"
)

func validTopic(t Topic) bool {
	switch t {
	case TopicHealth, TopicReliability, TopicIncidents, TopicRouting:
		return true
	default:
		return false
	}
}

// Close codes sent on the event-hub WebSocket.
const (
	CloseAuthFailed          = 4001
	CloseAuthRequired        = 4002
	CloseInvalidSubscription = 4003
	CloseStale               = 4004
	CloseShutdown            = 4005
)

// Envelope is the versioned event wrapper.
type Envelope struct {
	V       int    `json:"v"`
	Topic   Topic  `json:"topic"`
	Seq     uint64 `json:"seq"`
	Ts      string `json:"ts"`
	Payload any    `json:"payload"`
}

// Authenticator validates the token carried in the handshake "auth"
// frame. It is the opaque collaborator standing in for whatever
// identity/session store issues control-plane tokens.
type Authenticator interface {
	ValidateToken(token string) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(token string) bool

func (f AuthenticatorFunc) ValidateToken(token string) bool { return f(token) }

// SnapshotFunc builds the initial full-state payload per topic for a
// newly-subscribed client, so it doesn't wait for the next periodic
// tick. Set via Hub.SetSnapshotFunc; normally backed by C12's
// Producer.Snapshot.
type SnapshotFunc func(topics []Topic) map[Topic]any

// Config bundles the hub's tunables.
type Config struct {
	AuthTimeout    time.Duration
	HeartbeatEvery time.Duration
	MaxClientQueue int // bytes
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.MaxClientQueue <= 0 {
		c.MaxClientQueue = 200 * 1024
	}
	return c
}

// Hub is the streaming fan-out server.
type Hub struct {
	cfg          Config
	auth         Authenticator
	snapshotFunc SnapshotFunc
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	seq uint64 // atomic

	mu       sync.RWMutex
	clients  map[string]*client
	shutdown bool

	droppedEvents atomic.Int64
}

// New creates a Hub. auth validates handshake tokens. Once
// SetSnapshotFunc has been called, each newly-subscribed client is
// sent an initial snapshot; without it no snapshot frame is sent.
func New(auth Authenticator, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg.withDefaults(),
		auth:    auth,
		logger:  logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshotFunc wires the producer-backed snapshot builder.
func (h *Hub) SetSnapshotFunc(f SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshotFunc = f
}

// Publish broadcasts payload on topic to every authenticated client
// subscribed to it, assigning the next monotonic sequence number.
// Clients whose outbound buffer would exceed MaxClientQueue have the
// event dropped instead.
func (h *Hub) Publish(topic Topic, payload any) {
	seq := atomic.AddUint64(&h.seq, 1)
	env := Envelope{V: 1, Topic: topic, Seq: seq, Ts: nowISO(), Payload: payload}
	data, err := json.Marshal(wrap("event", env))
	if err != nil {
		h.logger.Error("eventhub failed to marshal event", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.isSubscribed(topic) {
			continue
		}
		if !c.trySend(data) {
			h.droppedEvents.Add(1)
			c.droppedEvents.Add(1)
		}
	}
}

// DroppedEvents returns the process-wide count of events dropped for
// backpressure, for /ws/metrics.
func (h *Hub) DroppedEvents() int64 { return h.droppedEvents.Load() }

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 { return atomic.LoadUint64(&h.seq) }

// Metrics is the /ws/metrics response body.
type Metrics struct {
	Clients       int   `json:"clients"`
	Seq           uint64 `json:"seq"`
	DroppedEvents int64 `json:"dropped_events"`
}

// GetMetrics returns a snapshot of hub-wide counters.
func (h *Hub) GetMetrics() Metrics {
	return Metrics{Clients: h.ClientCount(), Seq: h.Seq(), DroppedEvents: h.DroppedEvents()}
}

// Shutdown closes every connected client with CloseShutdown and
// refuses further connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(CloseShutdown, "server shutdown")
	}
}

// ServeWS upgrades the HTTP request to a WebSocket and runs the
// handshake/read/write pumps for the new client. The WS endpoint
// itself has no separate signature check: auth happens in-band via
// the "auth" frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	down := h.shutdown
	h.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("eventhub upgrade failed", "error", err)
		return
	}

	c := newClient(conn, h.cfg, h.logger)
	go h.run(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) buildSnapshot(topics []Topic) map[Topic]any {
	h.mu.RLock()
	fn := h.snapshotFunc
	h.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(topics)
}

func nowISO() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z") }

func newClientID() string { return uuid.NewString() }

func wrap(typ string, v any) map[string]any {
	b, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m == nil {
		m = map[string]any{}
	}
	m["type"] = typ
	return m
}

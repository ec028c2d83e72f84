// Package ws provides the daemon's WebSocket hub. Clients send request
// envelopes that are dispatched to registered handlers and answered with an
// ack carrying the same ID; the hub also fans broadcast events out to every
// connected client. Ping/pong keepalives clean up stale connections.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/metrics"
	"github.com/large-farva/voxdrop/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	sendQueue  = 64
)

// HandlerFunc handles one request envelope's data and returns the value to
// acknowledge with. It runs on the connection's read goroutine, so requests
// from one client are handled in order.
type HandlerFunc func(ctx context.Context, data json.RawMessage) any

// Options configures a Hub.
type Options struct {
	// AllowedOrigin is the only browser origin accepted. Requests without an
	// Origin header (non-browser clients) are always accepted.
	AllowedOrigin   string
	MaxMessageBytes int64
	Logger          *zap.Logger
	Metrics         *metrics.Metrics

	// OnConnect and OnDisconnect observe client lifecycles by remote address.
	OnConnect    func(remote string)
	OnDisconnect func(remote string)
}

// Hub manages WebSocket client connections. Register, unregister, and
// broadcast go through channels into the Run loop; each client has its own
// writer goroutine so acks and broadcasts never interleave on one socket.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	upgrader   websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	count    atomic.Int64
	maxBytes int64
	log      *zap.Logger
	m        *metrics.Metrics

	onConnect    func(string)
	onDisconnect func(string)

	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub allocates a hub. Call Run in a goroutine to start the event loop.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 32 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:      make(map[*client]struct{}),
		register:     make(chan *client, 16),
		unregister:   make(chan *client, 16),
		broadcast:    make(chan []byte, 256),
		handlers:     make(map[string]HandlerFunc),
		maxBytes:     opts.MaxMessageBytes,
		log:          opts.Logger.With(zap.String("component", "ws")),
		m:            opts.Metrics,
		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
		ctx:          ctx,
		cancel:       cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigin),
	}
	return h
}

func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

// Handle registers fn for request envelopes with the given event name.
func (h *Hub) Handle(event string, fn HandlerFunc) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[event] = fn
}

func (h *Hub) handler(event string) (HandlerFunc, bool) {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	fn, ok := h.handlers[event]
	return fn, ok
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run processes registrations, unregistrations, and broadcasts in a single
// select loop. It closes all clients when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			select {
			case <-c.done:
				continue // went away before registration was processed
			default:
			}
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.m.ConnectionOpened()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// a client that cannot keep up is disconnected
					h.m.RecordDroppedBroadcast()
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	h.count.Add(-1)
	h.m.ConnectionClosed()
	c.close()
}

// Handler returns an http.Handler that upgrades incoming requests to
// WebSocket connections and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response.
			h.log.Warn("websocket upgrade failed",
				zap.String("remote", r.RemoteAddr),
				zap.String("origin", r.Header.Get("Origin")),
				zap.Error(err),
			)
			return
		}

		c := &client{
			conn: conn,
			send: make(chan []byte, sendQueue),
			done: make(chan struct{}),
		}
		select {
		case h.register <- c:
		case <-h.ctx.Done():
			c.close()
			return
		}
		h.log.Debug("client connected", zap.String("remote", r.RemoteAddr))
		if h.onConnect != nil {
			h.onConnect(r.RemoteAddr)
		}

		go h.writePump(c)
		go h.readPump(c, r.RemoteAddr)
	})
}

// readPump dispatches inbound envelopes until the connection fails.
func (h *Hub) readPump(c *client, remote string) {
	defer func() {
		c.close()
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		h.log.Debug("client disconnected", zap.String("remote", remote))
		if h.onDisconnect != nil {
			h.onDisconnect(remote)
		}
	}()

	c.conn.SetReadLimit(h.maxBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		// any traffic proves the peer is alive
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.log.Warn("malformed envelope", zap.String("remote", remote), zap.Error(err))
			continue
		}
		h.m.RecordMessage(env.Event)

		ack := h.dispatch(env)
		if env.ID == "" {
			continue // fire-and-forget message
		}
		reply, err := protocol.NewEnvelope(protocol.EventAck, env.ID, ack)
		if err != nil {
			h.log.Error("encode ack", zap.String("event", env.Event), zap.Error(err))
			continue
		}
		b, _ := json.Marshal(reply)
		select {
		case c.send <- b:
		case <-c.done:
			return
		}
	}
}

// dispatch runs the handler for env and turns panics and unknown events into
// failure acks so the connection survives.
func (h *Hub) dispatch(env protocol.Envelope) (ack any) {
	fn, ok := h.handler(env.Event)
	if !ok {
		return protocol.FailureAck(fmt.Sprintf("unknown event %q", env.Event))
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", zap.String("event", env.Event), zap.Any("panic", r))
			ack = protocol.FailureAck("internal error")
		}
	}()
	return fn(h.ctx, env.Data)
}

// writePump owns all writes to c.conn, including keepalive pings.
func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// BroadcastJSON wraps v in an event envelope and queues it for delivery to
// all connected clients. If the broadcast channel is full the message is
// dropped to avoid blocking the caller.
func (h *Hub) BroadcastJSON(v any) {
	env, err := protocol.NewEnvelope(protocol.EventBroadcast, "", v)
	if err != nil {
		h.log.Error("encode broadcast", zap.Error(err))
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.m.RecordDroppedBroadcast()
	}
}

// Package transport is the client side of the upload protocol: one persistent
// WebSocket to voxdropd over which uploads are sent and acknowledged. Each
// upload carries a fresh correlation id and waits for the ack with that id.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/protocol"
)

var (
	// ErrNotConnected is returned by Upload when there is no open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAckTimeout is returned when no acknowledgment arrives in time.
	ErrAckTimeout = errors.New("acknowledgment timed out")
	// ErrConnectionClosed fails uploads still waiting when the connection drops.
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	writeWait   = 10 * time.Second
	eventBuffer = 64
)

// Options configures Dial.
type Options struct {
	// AckTimeout bounds the wait for each acknowledgment. Zero waits forever.
	AckTimeout time.Duration
	// Origin is sent as the Origin header when set.
	Origin string
	Logger *zap.Logger
	Dialer *websocket.Dialer
}

type ackResult struct {
	res protocol.Result
	err error
}

// Client holds one WebSocket connection. Upload is safe for concurrent use.
type Client struct {
	conn       *websocket.Conn
	url        string
	ackTimeout time.Duration
	log        *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending map[string]chan ackResult

	events    chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

// WebSocketURL turns an http(s) base URL into the ws(s) URL of path.
func WebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects to wsURL and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	var header http.Header
	if opts.Origin != "" {
		header = http.Header{"Origin": []string{opts.Origin}}
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:       conn,
		url:        wsURL,
		ackTimeout: opts.AckTimeout,
		log:        opts.Logger.With(zap.String("component", "transport")),
		pending:    make(map[string]chan ackResult),
		events:     make(chan json.RawMessage, eventBuffer),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	c.log.Debug("connected", zap.String("url", wsURL))
	return c, nil
}

// Connected reports whether the connection is open. A nil client is never
// connected.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Events delivers the data of broadcast envelopes. It is closed when the
// connection ends.
func (c *Client) Events() <-chan json.RawMessage {
	return c.events
}

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Upload sends req as one send-audio message and waits for its ack. Transport
// problems are returned as errors; the server's verdict is the Result.
func (c *Client) Upload(ctx context.Context, req protocol.UploadRequest) (protocol.Result, error) {
	if c == nil {
		return protocol.Result{}, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Result{}, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EventSendAudio, id, req)
	if err != nil {
		c.forget(id)
		return protocol.Result{}, fmt.Errorf("transport: encode upload: %w", err)
	}
	if err := c.write(env); err != nil {
		c.forget(id)
		return protocol.Result{}, fmt.Errorf("transport: send: %w", err)
	}
	c.log.Debug("upload sent",
		zap.String("id", id),
		zap.String("filename", req.Filename),
		zap.Int("bytes", len(req.Audio)),
	)

	var timeout <-chan time.Time
	if c.ackTimeout > 0 {
		t := time.NewTimer(c.ackTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-ch:
		return r.res, r.err
	case <-timeout:
		c.forget(id)
		return protocol.Result{}, ErrAckTimeout
	case <-ctx.Done():
		c.forget(id)
		return protocol.Result{}, ctx.Err()
	}
}

func (c *Client) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands res to the upload waiting on id. Acks for unknown ids (late,
// after a timeout) are dropped.
func (c *Client) resolve(id string, res protocol.Result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("ack for unknown request", zap.String("id", id))
		return
	}
	ch <- ackResult{res: res}
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn("malformed envelope", zap.Error(err))
			continue
		}

		switch env.Event {
		case protocol.EventAck:
			c.resolve(env.ID, protocol.ParseAck(env.Data))
		default:
			select {
			case c.events <- env.Data:
			default:
				c.log.Debug("event dropped", zap.String("event", env.Event))
			}
		}
	}
}

// shutdown marks the client closed and fails every pending upload.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- ackResult{err: ErrConnectionClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	close(c.events)
	close(c.done)
	c.log.Debug("disconnected", zap.String("url", c.url))
}

// Close sends a close frame and waits for the read loop to finish. It is safe
// to call more than once and on a nil client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

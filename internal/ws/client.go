package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devcollab/internal/logger"
)

// ConnState is the lifecycle of one realtime connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Options are the per-connection limits, taken from config.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 << 10
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	return o
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single authenticated WebSocket connection.
// Lifecycle: Accept -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan OutgoingMessage
	userID   string
	username string
	opts     Options
	state    atomic.Int32

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// ctx and cancel exist from construction so Close may run before Start.
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:    hub,
		conn:   conn,
		opts:   opts,
		send:   make(chan OutgoingMessage, opts.SendBufferSize),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// Start launches readPump and writePump with a controlled lifecycle. A client
// already closed (e.g. rejected at the connection limit) gets no pumps.
func (c *Client) Start() {
	select {
	case <-c.done:
		return
	default:
	}
	c.wg.Add(2)
	go c.writePump(c.ctx)
	go c.readPump(c.ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.setState(StateDisconnected)
		c.cancel()
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads frames until the connection fails or is closed.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		c.hub.HandleMessage(ctx, c, raw)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(c.opts.WriteWait))
			return
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeJSON writes one event. Only writePump and the handshake (before the
// pumps start) write to the connection.
func (c *Client) writeJSON(msg OutgoingMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
		return nil
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

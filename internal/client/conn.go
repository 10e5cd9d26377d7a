package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/ws"
)

// State is the client side view of the realtime connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrAuthentication ends Run: the server rejected the token, retrying cannot help.
	ErrAuthentication = errors.New("realtime: authentication rejected")
	// ErrNotConnected is returned by sends while the socket is down; callers fall back to REST.
	ErrNotConnected = errors.New("realtime: not connected")
)

const handshakeTimeout = 10 * time.Second

// Event is one server frame with its payload still encoded.
type Event struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst (one of the ws payload types).
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

type ConnOptions struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Token  string
	Dialer *websocket.Dialer

	MinBackoff time.Duration
	MaxBackoff time.Duration

	OnEvent func(Event)
	OnState func(State)
	// OnResync runs after every reconnect (not the first connect). There is
	// no replay on the socket, so this is where history is refetched.
	OnResync func(ctx context.Context)
}

// Conn keeps one realtime connection alive, reconnecting with capped
// exponential backoff and rejoining the rooms it was in.
type Conn struct {
	opts  ConnOptions
	state atomic.Int32

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]struct{}

	writeMu sync.Mutex
}

func NewConn(opts ConnOptions) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Conn{opts: opts, rooms: make(map[string]struct{})}
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run connects and keeps reconnecting until ctx ends or the token is
// rejected. It blocks; run it in its own goroutine.
func (c *Conn) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	reconnect := false
	for {
		if reconnect {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}
		connected, err := c.session(ctx, reconnect)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthentication) {
			c.setState(StateClosed)
			return err
		}
		if connected {
			backoff = c.opts.MinBackoff
		}
		logger.Infof("realtime: connection lost (%v), retry in %s", err, backoff)
		reconnect = true
		c.setState(StateReconnecting)

		wait := backoff/2 + rand.N(backoff/2+1)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateClosed)
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// session runs one connection to completion. connected reports whether the
// handshake got as far as being admitted.
func (c *Conn) session(ctx context.Context, resync bool) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrAuthentication
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := c.handshake(conn); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for _, id := range rooms {
		if err := c.write(conn, ws.EventJoinChat, ws.ChatRef{ChatID: id}); err != nil {
			return true, err
		}
	}
	c.setState(StateConnected)
	if resync && c.opts.OnResync != nil {
		go c.opts.OnResync(ctx)
	}

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, err
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
}

// handshake waits for the server's verdict on the token.
func (c *Conn) handshake(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch ev.Type {
	case ws.EventAuthenticated:
	case ws.EventAuthError:
		return ErrAuthentication
	default:
		return fmt.Errorf("handshake: unexpected %q", ev.Type)
	}
	return conn.SetReadDeadline(time.Time{})
}

func (c *Conn) write(conn *websocket.Conn, t ws.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ws.IncomingMessage{Type: t, Payload: raw})
}

func (c *Conn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conn) emit(t ws.EventType, payload any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, t, payload)
}

// Join remembers the room and joins it now if connected; otherwise on the
// next connect.
func (c *Conn) Join(chatID string) error {
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()
	if err := c.emit(ws.EventJoinChat, ws.ChatRef{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Conn) Leave(chatID string) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
	if err := c.emit(ws.EventLeaveChat, ws.ChatRef{ChatID: chatID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Rooms returns the remembered rooms.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Send posts a message over the socket. ErrNotConnected means use API.Send.
func (c *Conn) Send(chatID, content string) error {
	return c.emit(ws.EventMessage, ws.SendPayload{ChatID: chatID, Content: content})
}

func (c *Conn) Typing(chatID, displayName string) error {
	return c.emit(ws.EventTyping, ws.TypingPayload{ChatID: chatID, DisplayName: displayName})
}

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/service"
)

const handlerTimeout = 5 * time.Second

// ChatService is what the gateway needs from the chat core.
type ChatService interface {
	CanJoin(ctx context.Context, userID, chatID string) error
	SendMessage(ctx context.Context, in service.SendMessageInput) (*model.Message, error)
}

// Authenticator verifies the handshake credential.
type Authenticator interface {
	Verify(ctx context.Context, raw string) (*service.Claims, error)
}

// Hub is the in-process connection registry: connections by user and rooms
// by chat id. Nothing here is persisted; clients rejoin after a reconnect.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	chats ChatService
	auth  Authenticator
	opts  Options

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chats ChatService, auth Authenticator, maxConns int, opts Options) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		chats:      chats,
		auth:       auth,
		opts:       opts.withDefaults(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// Accept authenticates an upgraded connection. The token is verified before
// the connection is registered; on failure the socket gets an
// authentication_error event and a policy-violation close, and no room
// operation is ever possible on it.
func (h *Hub) Accept(conn *websocket.Conn, token string) (*Client, error) {
	c := newClient(h, conn, h.opts)
	c.setState(StateAuthenticating)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	claims, err := h.auth.Verify(ctx, token)
	cancel()
	if err != nil {
		logger.Infof("ws handshake rejected from %s: %v", conn.RemoteAddr(), err)
		_ = c.writeJSON(OutgoingMessage{Type: EventAuthError, Payload: ErrorPayload{
			Code:    CodeAuthentication,
			Message: "missing or invalid token",
		}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(h.opts.WriteWait))
		c.Close()
		return nil, err
	}

	c.userID = claims.Subject
	c.username = claims.Username
	c.setState(StateAuthenticated)
	if err := c.writeJSON(OutgoingMessage{Type: EventAuthenticated, Payload: AuthenticatedPayload{
		UserID: c.userID, Username: c.username,
	}}); err != nil {
		c.Close()
		return nil, err
	}

	h.Register(c)
	c.Start()
	return c, nil
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// Already gone before the hub saw it.
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	// Closed first so a join racing with the removal sees c.done and backs off.
	c.Close()

	h.mu.Lock()
	if clients, ok := h.clients[c.userID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c *Client, chatID string) {
	delete(c.rooms, chatID)
	if members, ok := h.rooms[chatID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// HandleMessage decodes and dispatches one client frame.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	if c.State() != StateAuthenticated {
		return
	}
	msg, err := decodeEnvelope(raw)
	if err != nil {
		h.sendError(c, "", "", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	switch msg.Type {
	case EventJoinChat:
		h.handleJoin(ctx, c, msg)
	case EventLeaveChat:
		h.handleLeave(c, msg)
	case EventMessage:
		h.handleSend(ctx, c, msg)
	case EventTyping:
		h.handleTyping(c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Code: CodeUnknownEvent, Message: "unknown event type", Event: msg.Type,
		}})
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	var p ChatRef
	if err := decodePayload(msg.Payload, &p); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	if err := requireChatID(&p.ChatID); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	if err := h.chats.CanJoin(ctx, c.userID, p.ChatID); err != nil {
		h.sendError(c, msg.Type, p.ChatID, err)
		return
	}
	h.mu.Lock()
	select {
	case <-c.done:
		h.mu.Unlock()
		return
	default:
	}
	if _, ok := h.rooms[p.ChatID]; !ok {
		h.rooms[p.ChatID] = make(map[*Client]struct{})
	}
	h.rooms[p.ChatID][c] = struct{}{}
	c.rooms[p.ChatID] = struct{}{}
	h.mu.Unlock()
	h.sendToClient(c, OutgoingMessage{Type: EventJoinedChat, Payload: p})
}

func (h *Hub) handleLeave(c *Client, msg IncomingMessage) {
	var p ChatRef
	if err := decodePayload(msg.Payload, &p); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	if err := requireChatID(&p.ChatID); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	h.mu.Lock()
	h.leaveLocked(c, p.ChatID)
	h.mu.Unlock()
	h.sendToClient(c, OutgoingMessage{Type: EventLeftChat, Payload: p})
}

// handleSend persists through the chat service, which broadcasts the stored
// message back to the room.
func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	var p SendPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	if err := requireChatID(&p.ChatID); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	_, err := h.chats.SendMessage(ctx, service.SendMessageInput{
		ChatID:          p.ChatID,
		SenderID:        c.userID,
		Content:         p.Content,
		GithubLink:      p.GithubLink,
		ProjectProgress: p.ProjectProgress,
	})
	if err != nil {
		h.sendError(c, msg.Type, p.ChatID, err)
	}
}

// handleTyping relays to the room without keeping any state; receivers expire
// the indicator themselves. The typist's own connections are skipped.
func (h *Hub) handleTyping(c *Client, msg IncomingMessage) {
	var p TypingPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	if err := requireChatID(&p.ChatID); err != nil {
		h.sendError(c, msg.Type, "", err)
		return
	}
	h.mu.RLock()
	_, joined := c.rooms[p.ChatID]
	h.mu.RUnlock()
	if !joined {
		h.sendError(c, msg.Type, p.ChatID, service.ErrForbidden)
		return
	}
	name := p.DisplayName
	if name == "" {
		name = c.username
	}
	if name == "" {
		name = c.userID
	}
	h.broadcast(p.ChatID, OutgoingMessage{Type: EventUserTyping, Payload: UserTypingPayload{
		ChatID:      p.ChatID,
		UserID:      c.userID,
		DisplayName: name,
	}}, c.userID)
}

// BroadcastMessage delivers a stored message to every connection in the chat
// room, the sender's included.
func (h *Hub) BroadcastMessage(chatID string, m *model.Message) {
	h.Broadcast(chatID, OutgoingMessage{Type: EventReceiveMessage, Payload: ReceiveMessagePayload{Message: m}})
}

// Broadcast delivers ev to every connection joined to roomID.
func (h *Hub) Broadcast(roomID string, ev OutgoingMessage) {
	defer logger.DeferLogDuration("ws.Broadcast", time.Now())()
	h.broadcast(roomID, ev, "")
}

func (h *Hub) broadcast(roomID string, ev OutgoingMessage, skipUser string) {
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if skipUser != "" && c.userID == skipUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// RoomSize is the number of connections joined to a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) sendError(c *Client, event EventType, chatID string, err error) {
	code, text := CodeInternal, "internal error"
	switch {
	case errors.Is(err, errMalformed), errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidOperation):
		code, text = CodeValidation, err.Error()
	case errors.Is(err, service.ErrForbidden):
		code, text = CodeForbidden, "not a participant of this chat"
	case errors.Is(err, service.ErrNotFound):
		code, text = CodeNotFound, "chat not found"
	default:
		logger.Errorf("ws %s user=%s chat=%s: %v", event, c.userID, chatID, err)
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
		Code: code, Message: text, Event: event, ChatID: chatID,
	}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devcollab/internal/model"
)

type EventType string

// Client -> server.
const (
	EventJoinChat  EventType = "join_chat"
	EventLeaveChat EventType = "leave_chat"
	EventMessage   EventType = "message"
	EventTyping    EventType = "typing"
)

// Server -> client.
const (
	EventJoinedChat     EventType = "joined_chat"
	EventLeftChat       EventType = "left_chat"
	EventReceiveMessage EventType = "receive_message"
	EventUserTyping     EventType = "user_typing"
	EventAuthenticated  EventType = "authenticated"
	EventError          EventType = "error"
	EventAuthError      EventType = "authentication_error"
)

// Error codes carried by EventError and EventAuthError.
const (
	CodeValidation     = "validation"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeUnknownEvent   = "unknown_event"
	CodeInternal       = "internal"
	CodeAuthentication = string(EventAuthError)
)

// IncomingMessage is the envelope every client frame must use.
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ChatRef is the payload of join_chat and leave_chat.
type ChatRef struct {
	ChatID string `json:"chat_id"`
}

// SendPayload is the payload of message.
type SendPayload struct {
	ChatID          string                  `json:"chat_id"`
	Content         string                  `json:"content"`
	GithubLink      string                  `json:"github_link,omitempty"`
	ProjectProgress *model.ProgressSnapshot `json:"project_progress,omitempty"`
}

// TypingPayload is the payload of typing.
type TypingPayload struct {
	ChatID      string `json:"chat_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// AuthenticatedPayload is the first frame of an admitted connection.
type AuthenticatedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

type ReceiveMessagePayload struct {
	Message *model.Message `json:"message"`
}

type UserTypingPayload struct {
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
	ChatID  string    `json:"chat_id,omitempty"`
}

var errMalformed = errors.New("malformed frame")

// decodeEnvelope parses a client frame; unknown envelope fields are rejected.
func decodeEnvelope(raw []byte) (IncomingMessage, error) {
	var msg IncomingMessage
	if err := strictUnmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: type is required", errMalformed)
	}
	return msg, nil
}

// decodePayload decodes an event payload into dst against its schema:
// unknown fields are rejected and the legacy "chatId" key becomes "chat_id".
func decodePayload(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: payload is required", errMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: payload must be an object", errMalformed)
	}
	if legacy, ok := fields["chatId"]; ok {
		if _, both := fields["chat_id"]; both {
			return fmt.Errorf("%w: both chatId and chat_id given", errMalformed)
		}
		fields["chat_id"] = legacy
		delete(fields, "chatId")
		normalized, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		raw = normalized
	}
	if err := strictUnmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// requireChatID trims and checks the room id every payload carries.
func requireChatID(id *string) error {
	*id = strings.TrimSpace(*id)
	if *id == "" {
		return fmt.Errorf("%w: chat_id is required", errMalformed)
	}
	return nil
}

package model

import (
	"sort"
	"strings"
	"time"
)

type ChatKind string

const (
	ChatKindDirect  ChatKind = "direct"
	ChatKindProject ChatKind = "project"
)

// Chat is the persisted conversation aggregate. Messages are append-only and
// owned exclusively by the chat document.
type Chat struct {
	ID           string       `json:"id" bson:"_id"`
	Kind         ChatKind     `json:"kind" bson:"kind"`
	Participants []string     `json:"participants" bson:"participants"`
	ProjectRef   string       `json:"project_ref,omitempty" bson:"project_ref,omitempty"`
	DirectKey    string       `json:"-" bson:"direct_key,omitempty"`
	Messages     []Message    `json:"messages,omitempty" bson:"messages"`
	LastMessage  *LastMessage `json:"last_message,omitempty" bson:"last_message,omitempty"`
	Version      int64        `json:"-" bson:"version"`
	CreatedAt    time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" bson:"updated_at"`
}

// LastMessage is the denormalized preview of the newest message.
type LastMessage struct {
	MessageID string    `json:"message_id" bson:"message_id"`
	Content   string    `json:"content" bson:"content"`
	SenderID  string    `json:"sender_id" bson:"sender_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Header returns a copy of the chat without its message log.
func (c *Chat) Header() Chat {
	h := *c
	h.Messages = nil
	h.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		h.LastMessage = &lm
	}
	return h
}

// UnreadCount counts messages in the log that userID has not read.
func (c *Chat) UnreadCount(userID string) int {
	n := 0
	for i := range c.Messages {
		if !c.Messages[i].IsReadBy(userID) {
			n++
		}
	}
	return n
}

// DirectKey builds the order-independent key of a direct chat between two users.
func DirectKey(userA, userB string) string {
	pair := []string{strings.TrimSpace(userA), strings.TrimSpace(userB)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// ChatView is what the API returns for chat lists and chat details.
type ChatView struct {
	Chat         Chat            `json:"chat"`
	Participants []UserPublic    `json:"participants"`
	Project      *ProjectSummary `json:"project,omitempty"`
	LastMessage  *LastMessage    `json:"last_message,omitempty"`
	UnreadCount  int             `json:"unread_count"`
}

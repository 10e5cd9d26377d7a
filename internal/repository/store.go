package repository

import (
	"context"
	"time"

	"github.com/devcollab/internal/model"
)

// ChatStore persists chat aggregates. Every mutating call is a single atomic
// change of one chat; implementations: MongoChatRepository and
// MemoryChatRepository (-inmem and tests). Chats are returned as headers,
// without the message log; use Messages for the log.
type ChatStore interface {
	// GetOrCreateDirect finds the direct chat of the pair or creates it.
	// created is true only for the call that inserted the chat.
	GetOrCreateDirect(ctx context.Context, userA, userB string) (chat *model.Chat, created bool, err error)
	CreateProjectChat(ctx context.Context, projectRef, creator string) (*model.Chat, error)
	FindProjectChat(ctx context.Context, projectRef string) (*model.Chat, error)
	GetByID(ctx context.Context, chatID string) (*model.Chat, error)
	// ListForUser returns chat headers (no message log) with the caller's
	// unread count, newest activity first.
	ListForUser(ctx context.Context, userID string) ([]ChatListItem, error)
	Messages(ctx context.Context, chatID string) ([]model.Message, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	AppendMessage(ctx context.Context, chatID string, m *model.Message) error
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int, error)
	AddParticipant(ctx context.Context, chatID, userID string) error
	RemoveParticipant(ctx context.Context, chatID, userID string) error
}

// ChatListItem is a chat header plus the number of messages userID has not read.
type ChatListItem struct {
	Chat        model.Chat `bson:",inline"`
	UnreadCount int        `bson:"unread_count"`
}

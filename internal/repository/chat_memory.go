package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/internal/model"
)

// MemoryChatRepository keeps chats in process memory. Used with -dev (no
// MongoDB) and in tests; one mutex makes every operation atomic.
type MemoryChatRepository struct {
	mu        sync.RWMutex
	chats     map[string]*model.Chat
	byDirect  map[string]string
	byProject map[string]string
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		chats:     make(map[string]*model.Chat),
		byDirect:  make(map[string]string),
		byProject: make(map[string]string),
	}
}

var _ ChatStore = (*MemoryChatRepository)(nil)

func header(c *model.Chat) *model.Chat {
	h := c.Header()
	return &h
}

func (r *MemoryChatRepository) GetOrCreateDirect(_ context.Context, userA, userB string) (*model.Chat, bool, error) {
	key := model.DirectKey(userA, userB)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byDirect[key]; ok {
		return header(r.chats[id]), false, nil
	}
	now := time.Now().UTC()
	c := &model.Chat{
		ID:           uuid.New().String(),
		Kind:         model.ChatKindDirect,
		Participants: []string{strings.TrimSpace(userA), strings.TrimSpace(userB)},
		DirectKey:    key,
		Messages:     []model.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.chats[c.ID] = c
	r.byDirect[key] = c.ID
	return header(c), true, nil
}

func (r *MemoryChatRepository) CreateProjectChat(_ context.Context, projectRef, creator string) (*model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byProject[projectRef]; ok {
		return nil, ErrAlreadyExists
	}
	now := time.Now().UTC()
	c := &model.Chat{
		ID:           uuid.New().String(),
		Kind:         model.ChatKindProject,
		Participants: []string{creator},
		ProjectRef:   projectRef,
		Messages:     []model.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.chats[c.ID] = c
	r.byProject[projectRef] = c.ID
	return header(c), nil
}

func (r *MemoryChatRepository) FindProjectChat(_ context.Context, projectRef string) (*model.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byProject[projectRef]
	if !ok {
		return nil, ErrNotFound
	}
	return header(r.chats[id]), nil
}

func (r *MemoryChatRepository) GetByID(_ context.Context, chatID string) (*model.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return header(c), nil
}

func (r *MemoryChatRepository) ListForUser(_ context.Context, userID string) ([]ChatListItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChatListItem, 0, 8)
	for _, c := range r.chats {
		if !c.HasParticipant(userID) {
			continue
		}
		items = append(items, ChatListItem{Chat: c.Header(), UnreadCount: c.UnreadCount(userID)})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Chat.UpdatedAt.After(items[j].Chat.UpdatedAt)
	})
	return items, nil
}

func (r *MemoryChatRepository) Messages(_ context.Context, chatID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(c.Messages))
	for i := range c.Messages {
		out[i] = c.Messages[i].Clone()
	}
	return out, nil
}

func (r *MemoryChatRepository) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[chatID]
	if !ok {
		return false, ErrNotFound
	}
	return c.HasParticipant(userID), nil
}

func (r *MemoryChatRepository) AppendMessage(_ context.Context, chatID string, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if !c.HasParticipant(m.SenderID) {
		return ErrForbidden
	}
	m.ChatID = chatID
	m.MarkReadBy(m.SenderID, m.CreatedAt)
	stored := m.Clone()
	stored.Sender = nil
	c.Messages = append(c.Messages, stored)
	c.LastMessage = m.Preview()
	c.UpdatedAt = m.CreatedAt
	c.Version++
	return nil
}

func (r *MemoryChatRepository) MarkRead(_ context.Context, chatID, userID string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return 0, ErrNotFound
	}
	n := 0
	for i := range c.Messages {
		if c.Messages[i].MarkReadBy(userID, at) {
			n++
		}
	}
	if n > 0 {
		c.Version++
	}
	return n, nil
}

func (r *MemoryChatRepository) AddParticipant(_ context.Context, chatID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if c.Kind != model.ChatKindProject {
		return ErrInvalidOperation
	}
	if c.HasParticipant(userID) {
		return nil
	}
	c.Participants = append(c.Participants, userID)
	c.UpdatedAt = time.Now().UTC()
	c.Version++
	return nil
}

func (r *MemoryChatRepository) RemoveParticipant(_ context.Context, chatID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if c.Kind != model.ChatKindProject {
		return ErrInvalidOperation
	}
	if !c.HasParticipant(userID) {
		return nil
	}
	if len(c.Participants) == 1 {
		return ErrInvalidOperation
	}
	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	c.UpdatedAt = time.Now().UTC()
	c.Version++
	return nil
}

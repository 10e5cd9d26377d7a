package client

import (
	"sort"
	"sync"

	"github.com/devcollab/internal/model"
)

// Timeline is the ordered, deduplicated message list of one chat view.
// History fetches and realtime events go through the same merge, so the
// order in which they arrive does not matter.
type Timeline struct {
	mu      sync.Mutex
	chatID  string
	byID    map[string]*entry
	ordered []*entry
	seq     uint64
}

type entry struct {
	msg model.Message
	seq uint64 // arrival order, breaks CreatedAt ties
}

func NewTimeline(chatID string) *Timeline {
	return &Timeline{chatID: chatID, byID: make(map[string]*entry)}
}

func (t *Timeline) ChatID() string { return t.chatID }

// MergeHistory merges a REST history page. Returns how many messages were new.
func (t *Timeline) MergeHistory(msgs []model.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for i := range msgs {
		if t.mergeLocked(msgs[i]) {
			added++
		}
	}
	t.sortLocked()
	return added
}

// ApplyEvent merges one realtime message. Returns true if it was new.
// Messages of other chats are ignored.
func (t *Timeline) ApplyEvent(m model.Message) bool {
	if m.ID == "" || (m.ChatID != "" && m.ChatID != t.chatID) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	added := t.mergeLocked(m)
	// An overlay may move CreatedAt, so sort either way.
	t.sortLocked()
	return added
}

func (t *Timeline) mergeLocked(m model.Message) bool {
	if m.ID == "" {
		return false
	}
	if e, ok := t.byID[m.ID]; ok {
		overlay(&e.msg, m)
		return false
	}
	t.seq++
	e := &entry{msg: m.Clone(), seq: t.seq}
	t.byID[m.ID] = e
	t.ordered = append(t.ordered, e)
	return true
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i], t.ordered[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}

// overlay copies the fields in src that are set onto dst. Zero fields in
// src are partial payloads and keep what dst has. Read receipts are unioned.
func overlay(dst *model.Message, src model.Message) {
	src = src.Clone()
	if src.ChatID != "" {
		dst.ChatID = src.ChatID
	}
	if src.SenderID != "" {
		dst.SenderID = src.SenderID
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if len(src.Attachments) > 0 {
		dst.Attachments = src.Attachments
	}
	if src.GithubLink != "" {
		dst.GithubLink = src.GithubLink
	}
	if src.ProjectProgress != nil {
		dst.ProjectProgress = src.ProjectProgress
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.Sender != nil {
		dst.Sender = src.Sender
	}
	for _, r := range src.ReadBy {
		dst.MarkReadBy(r.UserID, r.ReadAt)
	}
}

// Messages returns a copy of the list in creation order.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.ordered))
	for i, e := range t.ordered {
		out[i] = e.msg.Clone()
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ordered)
}

// Get returns the message with id, if present.
func (t *Timeline) Get(id string) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return e.msg.Clone(), true
}

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devcollab/internal/model"
)

func TestGetOrCreateDirectConcurrent(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	const n = 50

	ids := make([]string, n)
	created := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, ok, err := r.GetOrCreateDirect(ctx, a, b)
			if err != nil {
				t.Errorf("GetOrCreateDirect: %v", err)
				return
			}
			ids[i], created[i] = c.ID, ok
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatalf("call %d returned chat %s, call 0 returned %s", i, ids[i], ids[0])
		}
		if created[i] {
			creators++
		}
	}
	if creators != 1 {
		t.Fatalf("%d calls reported creating the chat, want 1", creators)
	}
	if len(r.chats) != 1 {
		t.Fatalf("%d chats persisted, want 1", len(r.chats))
	}
}

func appendText(t *testing.T, r ChatStore, chatID, sender, content string, at time.Time) *model.Message {
	t.Helper()
	m := &model.Message{ID: content + "-" + sender, SenderID: sender, Content: content, CreatedAt: at}
	if err := r.AppendMessage(context.Background(), chatID, m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return m
}

func TestAppendMessageUpdatesLastMessage(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	c, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	base := time.Now().UTC()

	appendText(t, r, c.ID, "alice", "first", base)
	m := appendText(t, r, c.ID, "bob", "second", base.Add(time.Second))

	got, err := r.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	lm := got.LastMessage
	if lm == nil || lm.Content != m.Content || lm.SenderID != m.SenderID || !lm.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("last message = %+v, want %+v", lm, m.Preview())
	}
	if got.Messages != nil {
		t.Fatal("GetByID returned the message log")
	}
	if !m.IsReadBy("bob") {
		t.Fatal("appended message not read by its sender")
	}
}

func TestAppendMessageRequiresParticipant(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	c, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	err := r.AppendMessage(ctx, c.ID, &model.Message{ID: "x", SenderID: "mallory", Content: "hi"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	err = r.AppendMessage(ctx, "missing", &model.Message{ID: "y", SenderID: "alice"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	c, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	now := time.Now().UTC()
	appendText(t, r, c.ID, "alice", "one", now)
	appendText(t, r, c.ID, "alice", "two", now.Add(time.Second))

	n, err := r.MarkRead(ctx, c.ID, "bob", now)
	if err != nil || n != 2 {
		t.Fatalf("first MarkRead = %d, %v; want 2", n, err)
	}
	n, err = r.MarkRead(ctx, c.ID, "bob", now)
	if err != nil || n != 0 {
		t.Fatalf("second MarkRead = %d, %v; want 0", n, err)
	}
	n, _ = r.MarkRead(ctx, c.ID, "alice", now)
	if n != 0 {
		t.Fatalf("sender MarkRead = %d, want 0", n)
	}
}

func TestProjectChatRules(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	c, err := r.CreateProjectChat(ctx, "p1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateProjectChat(ctx, "p1", "bob"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate project chat err = %v", err)
	}
	if err := r.AddParticipant(ctx, c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddParticipant(ctx, c.ID, "bob"); err != nil {
		t.Fatalf("re-adding is a no-op, got %v", err)
	}
	if ok, _ := r.IsParticipant(ctx, c.ID, "bob"); !ok {
		t.Fatal("bob not added")
	}
	if err := r.RemoveParticipant(ctx, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveParticipant(ctx, c.ID, "bob"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("removing the last participant err = %v", err)
	}

	d, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	if err := r.AddParticipant(ctx, d.ID, "carol"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("direct AddParticipant err = %v", err)
	}
	if err := r.RemoveParticipant(ctx, d.ID, "bob"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("direct RemoveParticipant err = %v", err)
	}
}

func TestListForUserUnreadAndOrder(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	older, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	newer, _, _ := r.GetOrCreateDirect(ctx, "alice", "carol")
	appendText(t, r, older.ID, "bob", "a", now)
	appendText(t, r, older.ID, "bob", "b", now.Add(time.Second))
	appendText(t, r, newer.ID, "carol", "c", now.Add(time.Minute))

	items, err := r.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Chat.ID != newer.ID {
		t.Fatalf("items = %+v", items)
	}
	if items[0].UnreadCount != 1 || items[1].UnreadCount != 2 {
		t.Fatalf("unread = %d,%d; want 1,2", items[0].UnreadCount, items[1].UnreadCount)
	}
}

func TestMessagesAreCopies(t *testing.T) {
	r := NewMemoryChatRepository()
	ctx := context.Background()
	c, _, _ := r.GetOrCreateDirect(ctx, "alice", "bob")
	appendText(t, r, c.ID, "alice", "hi", time.Now())
	msgs, _ := r.Messages(ctx, c.ID)
	msgs[0].Content = "edited"
	again, _ := r.Messages(ctx, c.ID)
	if again[0].Content != "hi" {
		t.Fatal("stored message was mutated through a returned copy")
	}
}

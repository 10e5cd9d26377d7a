package model

import (
	"testing"
	"time"
)

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	if DirectKey("bob", "alice") != DirectKey("alice", "bob") {
		t.Fatal("direct key depends on argument order")
	}
	if DirectKey(" alice", "bob ") != "alice:bob" {
		t.Fatalf("got %q", DirectKey(" alice", "bob "))
	}
}

func TestMarkReadByIsIdempotent(t *testing.T) {
	var m Message
	at := time.Now()
	if !m.MarkReadBy("u1", at) {
		t.Fatal("first mark should add a receipt")
	}
	if m.MarkReadBy("u1", at.Add(time.Minute)) {
		t.Fatal("second mark should be a no-op")
	}
	if len(m.ReadBy) != 1 || !m.ReadBy[0].ReadAt.Equal(at) {
		t.Fatalf("receipts = %+v", m.ReadBy)
	}
}

func TestHeaderDropsMessagesAndCopies(t *testing.T) {
	c := Chat{
		Participants: []string{"a", "b"},
		Messages:     []Message{{ID: "m1"}},
		LastMessage:  &LastMessage{MessageID: "m1"},
	}
	h := c.Header()
	if h.Messages != nil {
		t.Fatal("header keeps messages")
	}
	h.Participants[0] = "z"
	h.LastMessage.MessageID = "zz"
	if c.Participants[0] != "a" || c.LastMessage.MessageID != "m1" {
		t.Fatal("header shares memory with the chat")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := time.Now()
	m := Message{
		Attachments:     []Attachment{{Module: &ModuleData{Title: "x"}}},
		ReadBy:          []ReadReceipt{{UserID: "a"}},
		ProjectProgress: &ProgressSnapshot{CompletionPercentage: 40, Deadline: &d},
	}
	c := m.Clone()
	c.Attachments[0].Module.Title = "y"
	c.ReadBy[0].UserID = "b"
	c.ProjectProgress.CompletionPercentage = 90
	if m.Attachments[0].Module.Title != "x" || m.ReadBy[0].UserID != "a" || m.ProjectProgress.CompletionPercentage != 40 {
		t.Fatal("clone shares memory with the original")
	}
}

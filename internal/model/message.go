package model

import (
	"math"
	"time"
)

type AttachmentKind string

const (
	AttachmentFile   AttachmentKind = "file"
	AttachmentImage  AttachmentKind = "image"
	AttachmentCode   AttachmentKind = "code"
	AttachmentModule AttachmentKind = "module"
)

// Message is a single chat entry. Content, attachments and the progress
// snapshot never change after the message is appended; only ReadBy grows.
type Message struct {
	ID              string            `json:"id" bson:"id"`
	ChatID          string            `json:"chat_id" bson:"chat_id"`
	SenderID        string            `json:"sender_id" bson:"sender_id"`
	Content         string            `json:"content" bson:"content"`
	Attachments     []Attachment      `json:"attachments,omitempty" bson:"attachments,omitempty"`
	GithubLink      string            `json:"github_link,omitempty" bson:"github_link,omitempty"`
	ProjectProgress *ProgressSnapshot `json:"project_progress,omitempty" bson:"project_progress,omitempty"`
	ReadBy          []ReadReceipt     `json:"read_by" bson:"read_by"`
	CreatedAt       time.Time         `json:"created_at" bson:"created_at"`
	Sender          *UserPublic       `json:"sender,omitempty" bson:"-"`
}

type Attachment struct {
	Kind       AttachmentKind `json:"kind" bson:"kind"`
	Filename   string         `json:"filename" bson:"filename"`
	StorageRef string         `json:"storage_ref" bson:"storage_ref"`
	MimeType   string         `json:"mime_type" bson:"mime_type"`
	Size       int64          `json:"size" bson:"size"`
	Language   string         `json:"language,omitempty" bson:"language,omitempty"`
	Preview    string         `json:"preview,omitempty" bson:"preview,omitempty"`
	Module     *ModuleData    `json:"module_data,omitempty" bson:"module_data,omitempty"`
}

// ModuleData describes a module submission carried by a module attachment.
type ModuleData struct {
	ModuleID             string `json:"module_id" bson:"module_id"`
	Title                string `json:"title" bson:"title"`
	CompletionPercentage int    `json:"completion_percentage" bson:"completion_percentage"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id" bson:"user_id"`
	ReadAt time.Time `json:"read_at" bson:"read_at"`
}

// ProgressSnapshot is a point-in-time copy of a project's completion.
type ProgressSnapshot struct {
	ProjectRef           string     `json:"project_ref" bson:"project_ref"`
	CompletionPercentage int        `json:"completion_percentage" bson:"completion_percentage"`
	Deadline             *time.Time `json:"deadline,omitempty" bson:"deadline,omitempty"`
	CapturedAt           time.Time  `json:"captured_at" bson:"captured_at"`
}

// IsReadBy reports whether userID has a read receipt on the message.
func (m *Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkReadBy adds a receipt for userID unless one exists. Returns true if added.
func (m *Message) MarkReadBy(userID string, at time.Time) bool {
	if m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// Preview returns the denormalized list-view preview of the message.
func (m *Message) Preview() *LastMessage {
	return &LastMessage{MessageID: m.ID, Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (m Message) Clone() Message {
	c := m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	for i := range c.Attachments {
		if m.Attachments[i].Module != nil {
			md := *m.Attachments[i].Module
			c.Attachments[i].Module = &md
		}
	}
	c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	if m.ProjectProgress != nil {
		p := *m.ProjectProgress
		if p.Deadline != nil {
			d := *p.Deadline
			p.Deadline = &d
		}
		c.ProjectProgress = &p
	}
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	return c
}

// ClampPercentage keeps a completion percentage within [0,100].
func ClampPercentage(p int) int {
	return int(math.Max(0, math.Min(100, float64(p))))
}

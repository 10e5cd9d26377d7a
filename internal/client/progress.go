package client

import (
	"sync"
	"time"

	"github.com/devcollab/internal/model"
)

// ProgressTracker keeps the project progress shown next to a project chat.
// The value comes from the message with the latest CreatedAt that carries
// progress, whatever order messages arrive in.
type ProgressTracker struct {
	mu        sync.Mutex
	value     int
	known     bool
	at        time.Time
	messageID string
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{}
}

// Observe feeds one message. Returns true if the displayed value changed source.
func (p *ProgressTracker) Observe(m model.Message) bool {
	pct, ok := m.ProgressOf()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known && m.CreatedAt.Before(p.at) {
		return false
	}
	if p.known && m.CreatedAt.Equal(p.at) && m.ID == p.messageID {
		return false
	}
	p.value, p.known, p.at, p.messageID = pct, true, m.CreatedAt, m.ID
	return true
}

// ObserveAll feeds a batch, e.g. a history page.
func (p *ProgressTracker) ObserveAll(msgs []model.Message) {
	for i := range msgs {
		p.Observe(msgs[i])
	}
}

// Current returns the latest progress and whether any message carried one.
func (p *ProgressTracker) Current() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.known
}

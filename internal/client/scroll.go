package client

import "sync"

// DefaultScrollThreshold is how close to the bottom, in pixels, still counts as "at the bottom".
const DefaultScrollThreshold = 80

// ScrollTracker decides whether a new message should scroll the view down.
// The decision uses the position at arrival time, so a user reading older
// messages is not pulled to the bottom.
type ScrollTracker struct {
	mu        sync.Mutex
	Threshold int
	atBottom  bool
}

func NewScrollTracker(threshold int) *ScrollTracker {
	if threshold <= 0 {
		threshold = DefaultScrollThreshold
	}
	return &ScrollTracker{Threshold: threshold, atBottom: true}
}

// Update records the viewport after a scroll: offset from the top, visible
// height and total content height.
func (s *ScrollTracker) Update(offset, viewport, content int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atBottom = content-(offset+viewport) <= s.Threshold
}

func (s *ScrollTracker) AtBottom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atBottom
}

// ShouldAutoScroll is asked when a message arrives.
func (s *ScrollTracker) ShouldAutoScroll() bool {
	return s.AtBottom()
}

package client

import (
	"sort"
	"sync"
	"time"
)

// TypingTimeout is how long a typing indicator lives without a new event.
const TypingTimeout = 3 * time.Second

// Timer is the part of *time.Timer TypingSet uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc in production, a fake in tests.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// TypingSet holds the names currently typing in the active room. Each event
// (re)schedules that name's removal; the server never sends "stopped typing".
type TypingSet struct {
	mu       sync.Mutex
	timeout  time.Duration
	after    AfterFunc
	timers   map[string]Timer
	gen      map[string]uint64
	onChange func(names []string)
}

// NewTypingSet builds a set. after may be nil (real timers); onChange may be nil.
func NewTypingSet(timeout time.Duration, after AfterFunc, onChange func(names []string)) *TypingSet {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	if after == nil {
		after = realAfterFunc
	}
	return &TypingSet{
		timeout:  timeout,
		after:    after,
		timers:   make(map[string]Timer),
		gen:      make(map[string]uint64),
		onChange: onChange,
	}
}

// Typing marks name as typing and restarts its expiry.
func (s *TypingSet) Typing(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	_, present := s.timers[name]
	if present {
		s.timers[name].Stop()
	}
	s.gen[name]++
	g := s.gen[name]
	s.timers[name] = s.after(s.timeout, func() { s.expire(name, g) })
	names := s.namesLocked()
	s.mu.Unlock()
	if !present {
		s.notify(names)
	}
}

// expire drops name unless a newer event rescheduled it after this timer fired.
func (s *TypingSet) expire(name string, g uint64) {
	s.mu.Lock()
	if s.gen[name] != g {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	delete(s.gen, name)
	names := s.namesLocked()
	s.mu.Unlock()
	s.notify(names)
}

// Clear drops everyone, e.g. when the active chat changes.
func (s *TypingSet) Clear() {
	s.mu.Lock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
		delete(s.gen, name)
	}
	s.mu.Unlock()
	s.notify(nil)
}

// Names returns the typing names, sorted.
func (s *TypingSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *TypingSet) namesLocked() []string {
	out := make([]string, 0, len(s.timers))
	for name := range s.timers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *TypingSet) notify(names []string) {
	if s.onChange != nil {
		s.onChange(names)
	}
}

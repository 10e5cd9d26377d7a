package client

import (
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock fires AfterFunc callbacks when Advance passes their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func TestTypingExpiresAfterTimeout(t *testing.T) {
	clk := &fakeClock{}
	s := NewTypingSet(3*time.Second, clk.AfterFunc, nil)
	s.Typing("alice")
	if got := s.Names(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("names = %v", got)
	}
	clk.Advance(2999 * time.Millisecond)
	if len(s.Names()) != 1 {
		t.Fatal("expired early")
	}
	clk.Advance(time.Millisecond)
	if len(s.Names()) != 0 {
		t.Fatalf("still typing after 3s: %v", s.Names())
	}
}

func TestTypingRepeatExtends(t *testing.T) {
	clk := &fakeClock{}
	s := NewTypingSet(3*time.Second, clk.AfterFunc, nil)
	s.Typing("alice")
	clk.Advance(2 * time.Second)
	s.Typing("alice")
	s.Typing("bob")
	if got := s.Names(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("names = %v", got)
	}
	clk.Advance(2 * time.Second)
	if got := s.Names(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("repeat event did not extend presence: %v", got)
	}
	clk.Advance(time.Second)
	if len(s.Names()) != 0 {
		t.Fatalf("names = %v, want none", s.Names())
	}
}

func TestTypingOnChange(t *testing.T) {
	clk := &fakeClock{}
	var calls [][]string
	s := NewTypingSet(time.Second, clk.AfterFunc, func(n []string) { calls = append(calls, n) })
	s.Typing("alice")
	s.Typing("alice")
	clk.Advance(time.Second)
	if len(calls) != 2 || len(calls[0]) != 1 || len(calls[1]) != 0 {
		t.Fatalf("onChange calls = %v", calls)
	}
}

func TestTypingClear(t *testing.T) {
	clk := &fakeClock{}
	s := NewTypingSet(time.Second, clk.AfterFunc, nil)
	s.Typing("alice")
	s.Clear()
	clk.Advance(time.Second)
	if len(s.Names()) != 0 {
		t.Fatal("clear left names behind")
	}
}

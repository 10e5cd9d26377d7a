package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devcollab/internal/model"
	"github.com/devcollab/internal/push"
	"github.com/devcollab/internal/repository"
)

type fakeRealtime struct {
	mu        sync.Mutex
	online    map[string]bool
	broadcast []*model.Message
}

func (f *fakeRealtime) BroadcastMessage(_ string, m *model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, m)
}

func (f *fakeRealtime) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]push.Payload
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, p push.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]push.Payload)
	}
	f.sent[userID] = append(f.sent[userID], p)
}

type fixture struct {
	chats    *repository.MemoryChatRepository
	users    *repository.MemoryUserRepository
	projects *repository.MemoryProjectRepository
	rt       *fakeRealtime
	notifier *fakeNotifier
	svc      *ChatService
	clock    time.Time
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	f := &fixture{
		chats:    repository.NewMemoryChatRepository(),
		users:    repository.NewMemoryUserRepository(),
		projects: repository.NewMemoryProjectRepository(),
		rt:       &fakeRealtime{online: make(map[string]bool)},
		notifier: &fakeNotifier{},
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	for _, u := range users {
		if err := f.users.Create(ctx, &model.User{ID: u, Username: u, DisplayName: "User " + u}); err != nil {
			t.Fatal(err)
		}
	}
	f.svc = NewChatService(f.chats, f.users, f.projects, f.notifier, "https://devcollab.test/")
	f.svc.SetRealtime(f.rt)
	f.svc.async = func(fn func()) { fn() }
	f.svc.now = f.tick
	return f
}

// tick advances the clock one second per call so messages get distinct times.
func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) project(t *testing.T, id, owner string, members ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.projects.Create(ctx, &model.Project{ID: id, Name: "Project " + id, OwnerID: owner}); err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if err := f.projects.AddMember(ctx, id, m); err != nil {
			t.Fatal(err)
		}
	}
}

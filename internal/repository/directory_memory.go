package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/devcollab/internal/model"
)

// MemoryUserRepository is the in-process user directory used with -inmem and in tests.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]model.User
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]model.User)}
}

func (r *MemoryUserRepository) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		r.users[u.ID] = *u
	}
	return nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *MemoryUserRepository) GetPublicMany(_ context.Context, ids []string) (map[string]model.UserPublic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.UserPublic, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out[id] = u.ToPublic()
		}
	}
	return out, nil
}

// MemoryProjectRepository mirrors ProjectRepository in process memory.
type MemoryProjectRepository struct {
	mu       sync.Mutex
	projects map[string]model.Project
	members  map[string]map[string]struct{}
	subs     map[string][]model.ModuleSubmission
}

func NewMemoryProjectRepository() *MemoryProjectRepository {
	return &MemoryProjectRepository{
		projects: make(map[string]model.Project),
		members:  make(map[string]map[string]struct{}),
		subs:     make(map[string][]model.ModuleSubmission),
	}
}

func (r *MemoryProjectRepository) Create(_ context.Context, p *model.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.ID]; ok {
		return nil
	}
	r.projects[p.ID] = *p
	r.members[p.ID] = map[string]struct{}{p.OwnerID: {}}
	return nil
}

func (r *MemoryProjectRepository) AddMember(_ context.Context, projectID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[projectID]
	if !ok {
		return ErrNotFound
	}
	m[userID] = struct{}{}
	return nil
}

func (r *MemoryProjectRepository) GetByID(_ context.Context, id string) (*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *MemoryProjectRepository) IsMember(_ context.Context, projectID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[projectID][userID]
	return ok, nil
}

func (r *MemoryProjectRepository) AddModuleSubmission(_ context.Context, sub *model.ModuleSubmission) (*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[sub.ProjectID]
	if !ok {
		return nil, ErrNotFound
	}
	subs := append(r.subs[sub.ProjectID], *sub)
	r.subs[sub.ProjectID] = subs

	pcts := make([]int, len(subs))
	for i := range subs {
		pcts[i] = subs[i].CompletionPercentage
	}
	p.CompletionPercentage = model.AggregateCompletion(pcts)
	last := model.LatestSubmission(subs).SubmittedAt
	p.ProgressUpdatedAt = &last
	r.projects[p.ID] = p
	return &p, nil
}

func (r *MemoryProjectRepository) ListSubmissions(_ context.Context, projectID string) ([]model.ModuleSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]model.ModuleSubmission(nil), r.subs[projectID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

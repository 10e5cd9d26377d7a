package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devcollab/internal/model"
)

func TestMemoryProjectSubmissionsAggregate(t *testing.T) {
	r := NewMemoryProjectRepository()
	ctx := context.Background()
	if err := r.Create(ctx, &model.Project{ID: "p1", Name: "P", OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.IsMember(ctx, "p1", "alice"); !ok {
		t.Fatal("owner is not a member")
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pct := range []int{40, 80} {
		p, err := r.AddModuleSubmission(ctx, &model.ModuleSubmission{
			ID: string(rune('a' + i)), ProjectID: "p1", CompletionPercentage: pct,
			SubmittedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
		want := []int{40, 60}[i]
		if p.CompletionPercentage != want {
			t.Fatalf("after %d%%: aggregate %d, want %d", pct, p.CompletionPercentage, want)
		}
		if !p.ProgressUpdatedAt.Equal(base.Add(time.Duration(i) * time.Hour)) {
			t.Fatalf("progress_updated_at = %v", p.ProgressUpdatedAt)
		}
	}
	if _, err := r.AddModuleSubmission(ctx, &model.ModuleSubmission{ProjectID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devcollab/internal/storage"
)

func TestRevocationExpires(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.RevokeToken(ctx, "jti", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.IsTokenRevoked(ctx, "jti"); !ok {
		t.Fatal("not revoked")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := c.IsTokenRevoked(ctx, "jti"); ok {
		t.Fatal("revocation outlived the token")
	}
	_ = c.RevokeToken(ctx, "other", 0)
	if ok, _ := c.IsTokenRevoked(ctx, "other"); ok {
		t.Fatal("already-expired token stored")
	}
}

func sub(endpoint string) storage.PushSubscription {
	s := storage.PushSubscription{Endpoint: endpoint}
	s.Keys.P256dh, s.Keys.Auth = "p", "a"
	return s
}

func TestPushSubscriptions(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := 0; i < storage.MaxSubsPerUser+2; i++ {
		if err := c.AddPushSubscription(ctx, "u1", sub(fmt.Sprintf("https://push/%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	subs, _ := c.PushSubscriptions(ctx, "u1")
	if len(subs) != storage.MaxSubsPerUser || subs[0].Endpoint != "https://push/2" {
		t.Fatalf("kept %d, oldest %s", len(subs), subs[0].Endpoint)
	}

	// Re-adding an endpoint replaces it instead of duplicating.
	_ = c.AddPushSubscription(ctx, "u1", sub("https://push/5"))
	subs, _ = c.PushSubscriptions(ctx, "u1")
	if len(subs) != storage.MaxSubsPerUser || subs[len(subs)-1].Endpoint != "https://push/5" {
		t.Fatalf("replace failed: %+v", subs)
	}

	_ = c.RemovePushSubscription(ctx, "u1", "https://push/5")
	subs, _ = c.PushSubscriptions(ctx, "u1")
	if len(subs) != storage.MaxSubsPerUser-1 {
		t.Fatalf("remove failed: %d left", len(subs))
	}
}

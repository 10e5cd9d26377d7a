package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devcollab/internal/storage"
	"github.com/devcollab/internal/storage/memory"
)

func TestTokenIssueVerify(t *testing.T) {
	ts := NewTokenService("secret", "devcollab", time.Hour, memory.New())
	raw, err := ts.Issue("u1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ts.Verify(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" || claims.Username != "alice" || claims.ID == "" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenRejections(t *testing.T) {
	store := memory.New()
	ts := NewTokenService("secret", "devcollab", time.Hour, store)
	ctx := context.Background()

	other := NewTokenService("secret", "someone-else", time.Hour, store)
	foreign, _ := other.Issue("u1", "alice")
	forged, _ := NewTokenService("other-secret", "devcollab", time.Hour, store).Issue("u1", "alice")

	old := NewTokenService("secret", "devcollab", time.Hour, store)
	old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := old.Issue("u1", "alice")

	for name, raw := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong issuer": foreign,
		"wrong secret": forged,
		"expired":      expired,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ts.Verify(ctx, raw); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestTokenRevoke(t *testing.T) {
	ts := NewTokenService("secret", "devcollab", time.Hour, memory.New())
	ctx := context.Background()
	raw, _ := ts.Issue("u1", "alice")
	claims, err := ts.Verify(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.Revoke(ctx, claims); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Verify(ctx, raw); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoked token accepted: %v", err)
	}
	fresh, _ := ts.Issue("u1", "alice")
	if _, err := ts.Verify(ctx, fresh); err != nil {
		t.Fatalf("revocation leaked to another token: %v", err)
	}
}

type downStore struct{ storage.Store }

func (downStore) IsTokenRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestTokenFailsClosed(t *testing.T) {
	ts := NewTokenService("secret", "devcollab", time.Hour, downStore{memory.New()})
	raw, _ := ts.Issue("u1", "alice")
	if _, err := ts.Verify(context.Background(), raw); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want rejection while the revocation list is unreachable", err)
	}
}

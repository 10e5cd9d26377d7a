package storage

import (
	"context"
	"time"
)

// Store keeps short-lived auth and notification state outside the chat store.
// Implementations: redis.Client, memory.Client (for -dev/-inmem without Redis).
type Store interface {
	// RevokeToken blacklists a token id until ttl elapses (the token's own expiry).
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	AddPushSubscription(ctx context.Context, userID string, sub PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)

	Close() error
}

// PushSubscription is a browser Web Push subscription.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Valid reports whether every field needed to deliver a push is present.
func (s PushSubscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

const (
	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)

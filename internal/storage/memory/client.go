package memory

import (
	"context"
	"sync"
	"time"

	"github.com/devcollab/internal/storage"
)

type Client struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	subs    map[string][]storage.PushSubscription
	now     func() time.Time
}

var _ storage.Store = (*Client)(nil)

func New() *Client {
	return &Client{
		revoked: make(map[string]time.Time),
		subs:    make(map[string][]storage.PushSubscription),
		now:     time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) RevokeToken(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, id)
		}
	}
	c.revoked[tokenID] = now.Add(ttl)
	return nil
}

func (c *Client) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.revoked[tokenID]
	return ok && c.now().Before(exp), nil
}

func (c *Client) AddPushSubscription(_ context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := withoutEndpoint(c.subs[userID], sub.Endpoint)
	list = append(list, sub)
	if len(list) > storage.MaxSubsPerUser {
		list = list[len(list)-storage.MaxSubsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) RemovePushSubscription(_ context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := withoutEndpoint(c.subs[userID], endpoint)
	if len(list) == 0 {
		delete(c.subs, userID)
		return nil
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) PushSubscriptions(_ context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]storage.PushSubscription(nil), c.subs[userID]...), nil
}

func withoutEndpoint(list []storage.PushSubscription, endpoint string) []storage.PushSubscription {
	kept := make([]storage.PushSubscription, 0, len(list))
	for _, s := range list {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	return kept
}

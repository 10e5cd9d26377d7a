package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devcollab/internal/storage"
)

const (
	revokedPrefix = "revoked:"
	pushPrefix    = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

var _ storage.Store = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.cli.Set(ctx, revokedPrefix+tokenID, "1", ttl).Err()
}

func (c *Client) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := c.cli.Get(ctx, revokedPrefix+tokenID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddPushSubscription appends the subscription and keeps only the newest MaxSubsPerUser.
func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	key := pushPrefix + userID
	// Drop an older copy of the same endpoint first so re-subscribing does not duplicate it.
	if err := c.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	pipe := c.cli.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubsPerUser, -1)
	pipe.Expire(ctx, key, storage.SubscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Valid() {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

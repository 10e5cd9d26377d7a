package startup

import (
	"context"
	"time"

	redisstorage "github.com/devcollab/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis, retrying with backoff until maxWait
// elapses; then the process exits.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	var client *redisstorage.Client
	connectWithRetry("redis", maxWait, logPrefix, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client
}

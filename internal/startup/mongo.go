package startup

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ConnectMongoWithRetry connects to MongoDB and pings the primary.
func ConnectMongoWithRetry(uri string, poolSize int, maxWait time.Duration, logPrefix string) *mongo.Client {
	opts := options.Client().ApplyURI(uri)
	if poolSize > 0 {
		opts.SetMaxPoolSize(uint64(poolSize))
	}
	var client *mongo.Client
	connectWithRetry("mongo", maxWait, logPrefix, func() error {
		c, err := mongo.Connect(opts)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Ping(ctx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	})
	return client
}

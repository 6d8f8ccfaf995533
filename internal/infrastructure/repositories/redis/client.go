package redis

import (
	"context"
	"fmt"
	"time"

	"peerlink/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var pingRetry = retry.Config{
	Enabled:      true,
	MaxAttempts:  2,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
}

// NewRedisClient creates a new Redis client with connection pooling and
// brings the key layout under prefix up to date.
func NewRedisClient(address, password string, db, poolSize int, prefix string, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// redis often comes up alongside the client
	err := retry.Retry(ctx, pingRetry, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, prefix, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}

	return client, nil
}

// CloseRedisClient closes the Redis client connection
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

package repositories

import (
	"context"

	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/repositories/memory"
	redisrepo "peerlink/internal/infrastructure/repositories/redis"
	"peerlink/internal/infrastructure/repositories/sqlite"
	"peerlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the client key/value store for the configured
// driver, falling back to memory when the backend cannot be reached.
type RepositoryFactory struct {
	driver      string
	sqlitePath  string
	redisPrefix string
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver:      cfg.Storage.Driver,
		sqlitePath:  cfg.Storage.SQLitePath,
		redisPrefix: cfg.Redis.Prefix,
		logger:      logger,
	}

	if factory.driver == "redis" {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.Prefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory storage",
				"error", err,
			)
			factory.driver = "memory"
		} else {
			factory.redisClient = client
		}
	}

	return factory, nil
}

// Driver reports the backend actually in use after fallback.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

// CreateKeyValueStore creates the store for the configured driver.
func (f *RepositoryFactory) CreateKeyValueStore() ports.KeyValueStore {
	switch f.driver {
	case "redis":
		if f.redisClient != nil {
			f.logger.Info("using Redis storage")
			return redisrepo.NewRedisKeyValueStore(f.redisClient, f.redisPrefix)
		}
	case "sqlite":
		store, err := sqlite.NewSQLiteKeyValueStore(f.sqlitePath)
		if err == nil {
			f.logger.Infow("using SQLite storage", "path", f.sqlitePath)
			return store
		}
		f.logger.Warnw("failed to open SQLite storage, falling back to memory storage",
			"path", f.sqlitePath,
			"error", err,
		)
		f.driver = "memory"
	}
	f.logger.Info("using memory storage")
	return memory.NewMemoryKeyValueStore()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

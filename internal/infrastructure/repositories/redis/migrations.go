package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration is one step of the key layout under a prefix.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

// Migrate runs all pending migrations for the keys under prefix.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version, "prefix", prefix)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

func getSchemaVersion(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 indexes every value key in a set, rebuilding the
			// index from a SCAN for data written before the index existed.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				iter := client.Scan(ctx, 0, prefix+"kv:*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()[len(prefix+"kv:"):]
					if err := client.SAdd(ctx, prefix+"keys", key).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}

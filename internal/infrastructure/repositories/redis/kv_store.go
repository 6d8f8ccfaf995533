package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// RedisKeyValueStore keeps each value under <prefix>kv:<key> and the set of
// stored keys under <prefix>keys.
type RedisKeyValueStore struct {
	client *redis.Client
	prefix string
}

func NewRedisKeyValueStore(client *redis.Client, prefix string) ports.KeyValueStore {
	return &RedisKeyValueStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisKeyValueStore) valueKey(key string) string {
	return r.prefix + "kv:" + key
}

func (r *RedisKeyValueStore) indexKey() string {
	return r.prefix + "keys"
}

func (r *RedisKeyValueStore) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracing.TraceStorageOperation(ctx, "load", "redis")
	defer span.End()

	data, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return data, nil
}

func (r *RedisKeyValueStore) Save(ctx context.Context, key string, value []byte) error {
	ctx, span := tracing.TraceStorageOperation(ctx, "save", "redis")
	defer span.End()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.valueKey(key), value, 0)
	pipe.SAdd(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

func (r *RedisKeyValueStore) Remove(ctx context.Context, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.valueKey(key))
	pipe.SRem(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s from Redis: %w", key, err)
	}
	return nil
}

func (r *RedisKeyValueStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from Redis: %w", err)
	}
	var keys []string
	for _, key := range members {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the client is owned by the repository factory.
func (r *RedisKeyValueStore) Close() error {
	return nil
}

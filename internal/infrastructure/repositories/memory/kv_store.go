package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type MemoryKeyValueStore struct {
	values map[string][]byte
	mu     sync.RWMutex
}

func NewMemoryKeyValueStore() ports.KeyValueStore {
	return &MemoryKeyValueStore{
		values: make(map[string][]byte),
	}
}

func (s *MemoryKeyValueStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.values[key]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryKeyValueStore) Save(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKeyValueStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

func (s *MemoryKeyValueStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryKeyValueStore) Close() error {
	return nil
}

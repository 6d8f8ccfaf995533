package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// loadJSON decodes the value under key into v. A key that was never saved
// is initialized with initial and reported as not found.
func loadJSON(ctx context.Context, store ports.KeyValueStore, key string, v any, initial any) (bool, error) {
	data, err := store.Load(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		if initial != nil {
			if err := saveJSON(ctx, store, key, initial); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(ctx context.Context, store ports.KeyValueStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

package ports

import "context"

// KeyValueStore is the local persistence used by the chat client. Load
// returns domain.ErrNotFound for a key that was never saved.
type KeyValueStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys lists stored keys starting with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

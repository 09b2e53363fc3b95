package state

import "context"

// Store is the bot's durable key-value state. Values are opaque bytes;
// encoding is the caller's concern.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

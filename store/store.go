// Package store defines the shared state store that all backend components
// coordinate through: a key-value store with list and hash value support
// plus a publish/subscribe facility. The store is the single source of
// truth; components use read-modify-publish sequences rather than in-memory
// caches, so any component can recover current state by re-reading keys.
package store

import "context"

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Data    string
}

// Store is the shared state store interface. Keys follow the colon-separated
// schema in keys.go. Pub/sub delivery order to a single consumer matches
// publish order on a given channel; delivery is not durable, so a consumer
// started after a publish misses it.
type Store interface {
	// Get returns the value for key, or errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set creates or replaces the value for key.
	Set(ctx context.Context, key, value string) error
	// GetList returns the list stored at key (nil if absent).
	GetList(ctx context.Context, key string) ([]string, error)
	// SetList replaces the list stored at key.
	SetList(ctx context.Context, key string, values []string) error
	// HSet sets one field of the hash stored at key.
	HSet(ctx context.Context, key, field, value string) error
	// HGetAll returns all fields of the hash stored at key (nil if absent).
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Publish sends message on channel (fire-and-forget).
	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages published on channel until ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// Package cache is the hot state cache in front of the metadata store.
// Chat histories live under "chat:<conversation_id>" keys; writes go
// through to the store, so eviction is never observable.
package cache

import (
	"context"
	"time"
)

// Cache is a small byte-oriented key/value store. A miss is (nil, false,
// nil), never an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ChatKey renders the cache key for a conversation.
func ChatKey(conversationID string) string {
	return "chat:" + conversationID
}

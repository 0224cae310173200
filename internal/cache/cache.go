// Package cache is a key→value store with TTL used for embeddings, query
// results, and idempotency markers. Writes are best-effort: callers must
// never fail an operation because a cache write failed.
package cache

import (
	"context"
	"time"
)

// Cache is the core's cache contract. Get returns ok=false on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (ok bool, value string, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

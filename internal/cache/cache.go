// Package cache holds the shared key-value store used for idempotency records
// and admission counters. Memory and Redis implementations are interchangeable.
package cache

import (
	"context"
	"time"
)

// Store is the get / set-with-ttl / exists surface used for idempotency.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Counter is an atomic counter store. Incr applies ttl only when it creates
// the key, so a counter describes a fixed window opened by its first hit.
// Decr never goes below zero and removes the key when it reaches it.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// Cache is implemented by both Memory and Redis.
type Cache interface {
	Store
	Counter
	Ping(ctx context.Context) error
}

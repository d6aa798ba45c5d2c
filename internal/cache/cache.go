// Package cache provides the key-value cache used to speed up entity lookups.
package cache

import (
	"context"
	"errors"
	"time"
)

// TTLs for cached lookups
const (
	EntityLookupTTL = 600 * time.Second
	BulkMapTTL      = 3600 * time.Second
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Cache is a generic key-value cache. Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

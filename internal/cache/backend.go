package cache

import (
	"context"
	"time"
)

// Backend is a key/value store with per-entry expiry.
// Get reports a missing or expired key as found=false with a nil error.
type Backend interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

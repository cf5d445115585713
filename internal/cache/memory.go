package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend is an in-process Backend with TTL expiry.
// Used when Redis is not wanted and in tests.
type MemoryBackend struct {
	entries map[string]*memoryEntry
	mu      sync.RWMutex
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryBackend creates a store that sweeps expired entries every interval
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	b := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	// Start background cleanup
	go b.cleanup(sweepInterval)
	return b
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := b.entries[key]; ok {
			delete(b.entries, key)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close stops the sweeper
func (b *MemoryBackend) Close() error {
	b.once.Do(func() { close(b.stop) })
	return nil
}

// cleanup removes expired entries periodically
func (b *MemoryBackend) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			now := time.Now()
			for key, entry := range b.entries {
				if entry.expired(now) {
					delete(b.entries, key)
				}
			}
			b.mu.Unlock()
		}
	}
}

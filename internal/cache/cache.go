package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/metrics"
)

// Config holds cache configuration
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Backend        string        `mapstructure:"backend"` // "redis" or "memory"
	TTL            time.Duration `mapstructure:"ttl"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Backend:        "redis",
		TTL:            time.Hour,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		PingTimeout:    5 * time.Second,
	}
}

// Key derives the storage key for a namespace and ordered key parts.
// Parts are JSON encoded, so equal values always map to the same key.
func Key(namespace string, parts ...interface{}) (string, error) {
	if parts == nil {
		parts = []interface{}{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode key parts: %w", err)
	}
	sum := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// Manager is a namespaced JSON cache over a Backend.
// It never returns errors: backend failures degrade to misses.
// If the backend is unreachable on first use the manager disables itself
// for the rest of the process.
type Manager struct {
	backend Backend
	config  *Config
	metrics metrics.Recorder
	logger  zerolog.Logger

	connectOnce sync.Once
	disabled    atomic.Bool
}

// NewManager creates a cache manager. A nil backend yields a disabled manager.
func NewManager(backend Backend, config *Config, recorder metrics.Recorder, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	m := &Manager{
		backend: backend,
		config:  config,
		metrics: recorder,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
	if backend == nil || !config.Enabled {
		m.disabled.Store(true)
	}
	return m
}

// Enabled reports whether the cache is serving requests
func (m *Manager) Enabled() bool {
	return !m.disabled.Load()
}

// ready connects on first use and reports whether the cache may be used
func (m *Manager) ready(ctx context.Context) bool {
	if m.disabled.Load() {
		return false
	}

	m.connectOnce.Do(func() {
		// the verdict is kept for the process, so it must not depend on the first caller
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.PingTimeout)
		defer cancel()

		if err := m.backend.Ping(pingCtx); err != nil {
			m.disabled.Store(true)
			m.logger.Warn().Err(err).Msg("Cache backend unreachable, caching disabled")
			return
		}
		m.logger.Info().Msg("Cache backend connected")
	})

	return !m.disabled.Load()
}

// Get looks up the value stored under namespace and keyParts and decodes it into dest.
// It reports whether a value was found and decoded.
func (m *Manager) Get(ctx context.Context, namespace string, dest interface{}, keyParts ...interface{}) bool {
	if !m.ready(ctx) {
		return false
	}

	key, err := Key(namespace, keyParts...)
	if err != nil {
		m.logger.Error().Err(err).Str("namespace", namespace).Msg("Cache key derivation failed")
		return false
	}

	var (
		data  []byte
		found bool
	)
	start := time.Now()
	err = m.retry(ctx, func() error {
		var err error
		data, found, err = m.backend.Get(ctx, key)
		return err
	})
	m.metrics.RecordRetrieval("cache_get", time.Since(start))

	if err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Cache get failed")
		m.metrics.RecordCacheMiss(namespace)
		return false
	}
	if !found {
		m.logger.Debug().Str("key", key).Msg("Cache miss")
		m.metrics.RecordCacheMiss(namespace)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Cached value undecodable")
		m.metrics.RecordCacheMiss(namespace)
		return false
	}

	m.logger.Debug().Str("key", key).Msg("Cache hit")
	m.metrics.RecordCacheHit(namespace)
	return true
}

// Set stores value under namespace and keyParts. A non-positive ttl uses the configured default.
// It reports whether the write succeeded.
func (m *Manager) Set(ctx context.Context, namespace string, value interface{}, ttl time.Duration, keyParts ...interface{}) bool {
	if !m.ready(ctx) {
		return false
	}

	key, err := Key(namespace, keyParts...)
	if err != nil {
		m.logger.Error().Err(err).Str("namespace", namespace).Msg("Cache key derivation failed")
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Cache value not serializable")
		return false
	}

	if ttl <= 0 {
		ttl = m.config.TTL
	}

	err = m.retry(ctx, func() error {
		return m.backend.Set(ctx, key, data, ttl)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Cache set failed")
		return false
	}

	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cache set")
	return true
}

// Delete removes the value stored under namespace and keyParts
func (m *Manager) Delete(ctx context.Context, namespace string, keyParts ...interface{}) bool {
	if !m.ready(ctx) {
		return false
	}

	key, err := Key(namespace, keyParts...)
	if err != nil {
		return false
	}

	var n int64
	err = m.retry(ctx, func() error {
		var err error
		n, err = m.backend.Delete(ctx, key)
		return err
	})
	if err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Cache delete failed")
		return false
	}
	return n > 0
}

// ClearPrefix removes every entry in namespace and returns how many were removed
func (m *Manager) ClearPrefix(ctx context.Context, namespace string) int {
	if !m.ready(ctx) {
		return 0
	}

	keys, err := m.backend.Keys(ctx, namespace+":")
	if err != nil {
		m.logger.Error().Err(err).Str("namespace", namespace).Msg("Cache clear failed")
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	n, err := m.backend.Delete(ctx, keys...)
	if err != nil {
		m.logger.Error().Err(err).Str("namespace", namespace).Msg("Cache clear failed")
		return 0
	}

	m.logger.Info().Str("namespace", namespace).Int64("removed", n).Msg("Cache namespace cleared")
	return int(n)
}

// Close releases the backend
func (m *Manager) Close() error {
	m.disabled.Store(true)
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}

// retry runs op up to RetryAttempts times with exponential backoff
func (m *Manager) retry(ctx context.Context, op func() error) error {
	attempts := m.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := m.config.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		m.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Cache operation failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}

		delay *= 2
		if m.config.RetryMaxDelay > 0 && delay > m.config.RetryMaxDelay {
			delay = m.config.RetryMaxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

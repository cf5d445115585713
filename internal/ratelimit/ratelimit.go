package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter configuration
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
}

// DefaultConfig returns the default rate limiter configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		RequestsPerMinute: 60,
		Window:            time.Minute,
	}
}

// Limiter is a sliding-window request counter keyed by caller.
// State is process-local.
type Limiter struct {
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	enabled  bool
	now      func() time.Time
	mu       sync.Mutex
}

// New creates a limiter
func New(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	window := config.Window
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		requests: make(map[string][]time.Time),
		limit:    config.RequestsPerMinute,
		window:   window,
		enabled:  config.Enabled,
		now:      time.Now,
	}
}

// Allow records a request for key if the window has room.
// On rejection retryAfter is the whole number of seconds until the oldest
// request leaves the window, plus one. It is 0 when the request is allowed.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter int) {
	if !l.enabled {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.requests[key][:0]
	for _, ts := range l.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.requests[key] = kept
		if len(kept) == 0 {
			// limit of zero rejects everything
			return false, int(l.window.Seconds()) + 1
		}
		oldest := kept[0]
		remaining := oldest.Add(l.window).Sub(now)
		return false, int(remaining.Seconds()) + 1
	}

	l.requests[key] = append(kept, now)
	return true, 0
}

// Reset forgets all requests for key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Clear forgets all requests for every key
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = make(map[string][]time.Time)
}

// Enabled reports whether requests are being counted
func (l *Limiter) Enabled() bool {
	return l.enabled
}

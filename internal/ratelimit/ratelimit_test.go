package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(&Config{Enabled: true, RequestsPerMinute: limit, Window: time.Minute})
	l.now = clock.Now
	return l, clock
}

func TestThirdRequestRejected(t *testing.T) {
	l, _ := newTestLimiter(2)

	ok, retry := l.Allow("10.0.0.1")
	assert.True(t, ok)
	assert.Zero(t, retry)

	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, retry = l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retry, 0)
}

func TestRetryAfterCountsFromOldest(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Allow("k")
	clock.Advance(20 * time.Second)
	l.Allow("k")
	clock.Advance(10 * time.Second)

	ok, retry := l.Allow("k")
	assert.False(t, ok)
	// oldest leaves the window in 30s
	assert.Equal(t, 31, retry)
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Allow("k")
	l.Allow("k")
	ok, _ := l.Allow("k")
	assert.False(t, ok)

	clock.Advance(61 * time.Second)
	ok, _ = l.Allow("k")
	assert.True(t, ok)
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(1)

	l.Allow("k")
	clock.Advance(30 * time.Second)
	ok, _ := l.Allow("k")
	assert.False(t, ok)

	clock.Advance(31 * time.Second)
	ok, _ = l.Allow("k")
	assert.True(t, ok, "a rejected attempt must not extend the window")
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("b")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)
}

func TestResetAndClear(t *testing.T) {
	l, _ := newTestLimiter(1)

	l.Allow("a")
	l.Allow("b")
	l.Reset("a")
	ok, _ := l.Allow("a")
	assert.True(t, ok)

	l.Clear()
	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(&Config{Enabled: false, RequestsPerMinute: 1})

	for i := 0; i < 10; i++ {
		ok, retry := l.Allow("k")
		assert.True(t, ok)
		assert.Zero(t, retry)
	}
}

func TestConcurrentAllowRespectsCeiling(t *testing.T) {
	l, _ := newTestLimiter(50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

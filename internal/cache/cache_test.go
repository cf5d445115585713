package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumflow/querypilot/internal/metrics"
)

type countingRecorder struct {
	metrics.Nop
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, misses: map[string]int{}}
}

func (r *countingRecorder) RecordCacheHit(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[ns]++
}

func (r *countingRecorder) RecordCacheMiss(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses[ns]++
}

// flakyBackend fails the first failures calls of Get and Set
type flakyBackend struct {
	*MemoryBackend
	pingErr  error
	failures int
	calls    int
	mu       sync.Mutex
}

func (f *flakyBackend) Ping(ctx context.Context) error { return f.pingErr }

func (f *flakyBackend) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.fail(); err != nil {
		return nil, false, err
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryBackend.Set(ctx, key, value, ttl)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

type payload struct {
	Response string `json:"response"`
	Count    int    `json:"count"`
}

func TestKeyDerivation(t *testing.T) {
	k1, err := Key("agent_response", "list airports", "thread-1")
	require.NoError(t, err)
	k2, err := Key("agent_response", "list airports", "thread-1")
	require.NoError(t, err)
	k3, err := Key("agent_response", "thread-1", "list airports")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3, "part order matters")
	assert.Len(t, k1, len("agent_response:")+16)
	assert.Regexp(t, `^agent_response:[0-9a-f]{16}$`, k1)
}

func TestKeyMapPartsAreStable(t *testing.T) {
	k1, err := Key("ns", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	k2, err := Key("ns", map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestSetThenGet(t *testing.T) {
	backend := NewMemoryBackend(time.Minute)
	rec := newCountingRecorder()
	m := NewManager(backend, testConfig(), rec, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	var got payload
	assert.False(t, m.Get(ctx, "agent_response", &got, "q", "t1"))

	require.True(t, m.Set(ctx, "agent_response", payload{Response: "ok", Count: 2}, 0, "q", "t1"))
	require.True(t, m.Get(ctx, "agent_response", &got, "q", "t1"))
	assert.Equal(t, payload{Response: "ok", Count: 2}, got)

	assert.Equal(t, 1, rec.hits["agent_response"])
	assert.Equal(t, 1, rec.misses["agent_response"])
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Minute), testConfig(), nil, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	require.True(t, m.Set(ctx, "ns", "v", 20*time.Millisecond, "k"))
	time.Sleep(40 * time.Millisecond)

	var got string
	assert.False(t, m.Get(ctx, "ns", &got, "k"))
}

func TestUnreachableBackendDisablesPermanently(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(time.Minute), pingErr: errors.New("dial tcp: connection refused")}
	m := NewManager(backend, testConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, m.Set(ctx, "ns", "v", 0, "k"))
	assert.False(t, m.Enabled())

	backend.pingErr = nil
	var got string
	assert.False(t, m.Get(ctx, "ns", &got, "k"))
	assert.Equal(t, 0, m.ClearPrefix(ctx, "ns"))
	assert.Equal(t, 0, backend.calls, "backend never used after disable")
}

func TestCanceledFirstCallerDoesNotDisable(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Minute), testConfig(), nil, zerolog.Nop())
	defer m.Close()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	var got string
	m.Get(canceled, "ns", &got, "k")

	assert.True(t, m.Enabled())
	ctx := context.Background()
	require.True(t, m.Set(ctx, "ns", "v", 0, "k"))
	require.True(t, m.Get(ctx, "ns", &got, "k"))
	assert.Equal(t, "v", got)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(time.Minute), failures: 2}
	m := NewManager(backend, testConfig(), nil, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, m.Set(ctx, "ns", "v", 0, "k"))
	assert.Equal(t, 3, backend.calls)
}

func TestExhaustedRetriesReturnMiss(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(time.Minute), failures: 10}
	rec := newCountingRecorder()
	m := NewManager(backend, testConfig(), rec, zerolog.Nop())
	ctx := context.Background()

	var got string
	assert.False(t, m.Get(ctx, "ns", &got, "k"))
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 1, rec.misses["ns"])
	assert.True(t, m.Enabled(), "operation failures do not disable the cache")
}

func TestClearPrefixOnlyTouchesNamespace(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Minute), testConfig(), nil, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	require.True(t, m.Set(ctx, "agent_response", "a", 0, 1))
	require.True(t, m.Set(ctx, "agent_response", "b", 0, 2))
	require.True(t, m.Set(ctx, "other", "c", 0, 1))

	assert.Equal(t, 2, m.ClearPrefix(ctx, "agent_response"))

	var got string
	assert.False(t, m.Get(ctx, "agent_response", &got, 1))
	assert.True(t, m.Get(ctx, "other", &got, 1))
	assert.Equal(t, "c", got)
}

func TestDelete(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Minute), testConfig(), nil, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	require.True(t, m.Set(ctx, "ns", "v", 0, "k"))
	assert.True(t, m.Delete(ctx, "ns", "k"))
	assert.False(t, m.Delete(ctx, "ns", "k"))
}

func TestDisabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := NewManager(NewMemoryBackend(time.Minute), cfg, nil, zerolog.Nop())

	assert.False(t, m.Enabled())
	assert.False(t, m.Set(context.Background(), "ns", "v", 0, "k"))
}

func TestUnserializableValueIsRejected(t *testing.T) {
	m := NewManager(NewMemoryBackend(time.Minute), testConfig(), nil, zerolog.Nop())
	defer m.Close()

	assert.False(t, m.Set(context.Background(), "ns", make(chan int), 0, "k"))
}

func TestRedisBackendIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	backend := NewRedisBackend(nil)
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := backend.Ping(ctx); err != nil {
		t.Skipf("Skipping test - Redis not available: %v", err)
	}

	m := NewManager(backend, testConfig(), nil, zerolog.Nop())
	require.True(t, m.Set(ctx, "querypilot_test", "value", time.Minute, "k"))

	var got string
	require.True(t, m.Get(ctx, "querypilot_test", &got, "k"))
	assert.Equal(t, "value", got)
	assert.Equal(t, 1, m.ClearPrefix(ctx, "querypilot_test"))
}

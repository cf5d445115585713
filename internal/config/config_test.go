package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.API.Port)
	assert.Equal(t, 120*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 25, cfg.Query.MaxIterations)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 60*time.Second, cfg.Tools.CallTimeout)
	assert.Equal(t, "badger", cfg.Checkpoint.Backend)
	assert.True(t, cfg.Checkpoint.InMemory)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "querypilot.yaml", `
api:
  port: 9090
llm:
  provider: ollama
  model: qwen2.5:7b
tools:
  command: uvx
  args: ["couchbase-mcp-server"]
  env:
    CB_CONNECTION_STRING: couchbases://example
cache:
  ttl: 10m
  backend: memory
query:
  timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.Model)
	assert.Equal(t, "uvx", cfg.Tools.Command)
	assert.Equal(t, []string{"couchbase-mcp-server"}, cfg.Tools.Args)
	assert.Equal(t, map[string]string{"CB_CONNECTION_STRING": "couchbases://example"}, cfg.Tools.Env)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Cache.RetryAttempts)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "querypilot.yaml", "cache:\n  ttl: 10m\n")
	t.Setenv("QUERYPILOT_CACHE_TTL", "5m")
	t.Setenv("QUERYPILOT_REDIS_ADDR", "redis:6380")
	t.Setenv("QUERYPILOT_RATE_LIMIT_REQUESTS_PER_MINUTE", "2")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Query.Timeout = 0 }},
		{name: "zero iterations", mutate: func(c *Config) { c.Query.MaxIterations = 0 }},
		{name: "bad port", mutate: func(c *Config) { c.API.Port = 70000 }},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "bedrock" }},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }},
		{name: "unknown checkpoint backend", mutate: func(c *Config) { c.Checkpoint.Backend = "postgres" }},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{name: "zero rate limit while disabled", mutate: func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.RequestsPerMinute = 0
		}, ok: true},
		{name: "negative ttl", mutate: func(c *Config) { c.Cache.TTL = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAPIAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8000", APIConfig{Host: "127.0.0.1", Port: 8000}.Addr())
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantumflow/querypilot/internal/audit"
	"github.com/quantumflow/querypilot/internal/cache"
	"github.com/quantumflow/querypilot/internal/checkpoint"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/logging"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/ratelimit"
	"github.com/quantumflow/querypilot/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. QUERYPILOT_CACHE_TTL
const EnvPrefix = "QUERYPILOT"

// AppConfig identifies the running service
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueryConfig bounds a single query
type QueryConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxIterations int           `mapstructure:"max_iterations"`
	ToolOverhead  time.Duration `mapstructure:"tool_overhead"`
}

// Config is the complete service configuration
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	API        APIConfig         `mapstructure:"api"`
	Logging    logging.Config    `mapstructure:"logging"`
	LLM        inference.Config  `mapstructure:"llm"`
	Tools      session.Config    `mapstructure:"tools"`
	Redis      cache.RedisConfig `mapstructure:"redis"`
	Cache      cache.Config      `mapstructure:"cache"`
	RateLimit  ratelimit.Config  `mapstructure:"rate_limit"`
	Metrics    metrics.Config    `mapstructure:"metrics"`
	Checkpoint checkpoint.Config `mapstructure:"checkpoint"`
	Audit      audit.Config      `mapstructure:"audit"`
	Query      QueryConfig       `mapstructure:"query"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "querypilot",
			Version:     "1.0.0",
			Environment: "development",
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:    *logging.DefaultConfig(),
		LLM:        *inference.DefaultConfig(),
		Tools:      *session.DefaultConfig(),
		Redis:      *cache.DefaultRedisConfig(),
		Cache:      *cache.DefaultConfig(),
		RateLimit:  *ratelimit.DefaultConfig(),
		Metrics:    *metrics.DefaultConfig(),
		Checkpoint: *checkpoint.DefaultConfig(),
		Audit:      *audit.DefaultConfig(),
		Query: QueryConfig{
			Timeout:       120 * time.Second,
			MaxIterations: 25,
			ToolOverhead:  100 * time.Millisecond,
		},
	}
}

// setDefaults registers every key so environment overrides apply to all of them
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.version", d.App.Version)
	v.SetDefault("app.environment", d.App.Environment)

	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.context_size", d.LLM.ContextSize)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.workers", d.LLM.Workers)
	v.SetDefault("llm.queue_size", d.LLM.QueueSize)
	v.SetDefault("llm.max_concurrent", d.LLM.MaxConcurrent)

	v.SetDefault("tools.command", d.Tools.Command)
	v.SetDefault("tools.args", []string{})
	v.SetDefault("tools.startup_timeout", d.Tools.StartupTimeout)
	v.SetDefault("tools.call_timeout", d.Tools.CallTimeout)
	v.SetDefault("tools.calls_per_second", d.Tools.CallsPerSecond)
	v.SetDefault("tools.burst", d.Tools.Burst)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.retry_attempts", d.Cache.RetryAttempts)
	v.SetDefault("cache.retry_base_delay", d.Cache.RetryBaseDelay)
	v.SetDefault("cache.retry_max_delay", d.Cache.RetryMaxDelay)
	v.SetDefault("cache.ping_timeout", d.Cache.PingTimeout)

	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("checkpoint.backend", d.Checkpoint.Backend)
	v.SetDefault("checkpoint.path", d.Checkpoint.Path)
	v.SetDefault("checkpoint.in_memory", d.Checkpoint.InMemory)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)

	v.SetDefault("query.timeout", d.Query.Timeout)
	v.SetDefault("query.max_iterations", d.Query.MaxIterations)
	v.SetDefault("query.tool_overhead", d.Query.ToolOverhead)
}

// Load reads configuration from defaults, an optional file and the environment.
// With an empty path, querypilot.{yaml,json,toml} is looked up in the working
// directory and ~/.querypilot; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("querypilot")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".querypilot"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper lowercases map keys; tool backend variables are conventionally upper case
	if len(cfg.Tools.Env) > 0 {
		env := make(map[string]string, len(cfg.Tools.Env))
		for k, val := range cfg.Tools.Env {
			env[strings.ToUpper(k)] = val
		}
		cfg.Tools.Env = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", c.Query.Timeout)
	}
	if c.Query.MaxIterations <= 0 {
		return fmt.Errorf("query max iterations must be positive, got %d", c.Query.MaxIterations)
	}

	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}

	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative, got %s", c.Cache.TTL)
	}

	switch c.Checkpoint.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown checkpoint backend: %q", c.Checkpoint.Backend)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.Tools.CallTimeout <= 0 {
		return fmt.Errorf("tool call timeout must be positive, got %s", c.Tools.CallTimeout)
	}

	return nil
}

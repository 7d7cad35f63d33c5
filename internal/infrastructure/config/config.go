// Package config loads and validates the server configuration: defaults,
// a YAML file, then MOCKSMITH_* environment overrides, highest last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mocksmith/mocksmith/internal/domain/tool"
	"github.com/mocksmith/mocksmith/internal/infrastructure/cache"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
)

// Config is the full configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Context   ContextConfig   `mapstructure:"context"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Push      PushConfig      `mapstructure:"push"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Journeys  JourneyConfig   `mapstructure:"journeys"`
	Tools     []tool.Config   `mapstructure:"tools"`
}

// ServerConfig covers the HTTP listener and route prefixes.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Mode             string        `mapstructure:"mode"` // debug | release
	MockPrefix       string        `mapstructure:"mock_prefix"`
	ManagementPrefix string        `mapstructure:"management_prefix"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig covers the backend pool and its resilience knobs.
type LLMConfig struct {
	TimeoutSeconds   int                 `mapstructure:"timeout_seconds"`
	MaxRetryAttempts int                 `mapstructure:"max_retry_attempts"`
	RetryBaseDelay   time.Duration       `mapstructure:"retry_base_delay"`
	Breaker          llm.BreakerConfig   `mapstructure:"breaker"`
	Backends         []llm.BackendConfig `mapstructure:"backends"`
}

// Timeout returns the per-call LLM deadline.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryPolicy maps the config onto the pool's retry policy.
func (c LLMConfig) RetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{
		Enabled:    c.MaxRetryAttempts > 0,
		MaxRetries: c.MaxRetryAttempts,
		BaseDelay:  c.RetryBaseDelay,
	}
}

// CacheConfig extends the variant-cache config with per-key policy.
type CacheConfig struct {
	cache.Config      `mapstructure:",squash"`
	MaxCachePerKey    int `mapstructure:"max_cache_per_key"`
	DefaultCacheCount int `mapstructure:"default_cache_count"`
}

// ContextConfig tunes the API context store.
type ContextConfig struct {
	ExpirationMinutes int      `mapstructure:"expiration_minutes"`
	MaxRecentCalls    int      `mapstructure:"max_recent_calls"`
	KeyPatterns       []string `mapstructure:"key_patterns"`
	MaxValueLen       int      `mapstructure:"max_value_len"`
	MaxPromptBytes    int      `mapstructure:"max_prompt_bytes"`
}

// RateLimitConfig controls simulated response timing.
type RateLimitConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DelayRange      string `mapstructure:"delay_range"` // "", "max", "min-max"
	StatsWindowSize int    `mapstructure:"stats_window_size"`
	RequestDelayMin int    `mapstructure:"request_delay_min_ms"`
	RequestDelayMax int    `mapstructure:"request_delay_max_ms"`
}

// IngressConfig covers inbound protection.
type IngressConfig struct {
	Enabled             bool  `mapstructure:"enabled"`
	RequestsPerMinute   int   `mapstructure:"requests_per_minute"`
	MaxRequestSizeBytes int64 `mapstructure:"max_request_size_bytes"`
}

// StreamingConfig tunes the SSE handler.
type StreamingConfig struct {
	DefaultMode          string `mapstructure:"default_mode"` // LlmTokens | CompleteObjects | ArrayItems
	ChunkDelayMinMs      int    `mapstructure:"chunk_delay_min_ms"`
	ChunkDelayMaxMs      int    `mapstructure:"chunk_delay_max_ms"`
	ContinuousIntervalMs int    `mapstructure:"continuous_interval_ms"`
	ContinuousMaxSeconds int    `mapstructure:"continuous_max_seconds"`
}

// PushConfig tunes push channels.
type PushConfig struct {
	IntervalMs  int  `mapstructure:"interval_ms"`
	RunWhenIdle bool `mapstructure:"run_when_idle"`
}

// AuthConfig gates the management surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// ChunkingConfig controls automatic splitting of oversized responses.
type ChunkingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultItemCount int  `mapstructure:"default_item_count"`
}

// JourneyConfig points at the journey template file.
type JourneyConfig struct {
	TemplatesPath string `mapstructure:"templates_path"`
}

// Load reads configuration from path (optional), layering defaults, the
// file, and MOCKSMITH_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mocksmith")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("MOCKSMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if secret := os.Getenv("MOCKSMITH_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.enabled requires auth.secret (or MOCKSMITH_AUTH_SECRET)")
	}
	if c.Ingress.Enabled && c.Ingress.RequestsPerMinute < 1 {
		return fmt.Errorf("ingress.requests_per_minute must be >= 1")
	}

	names := map[string]bool{}
	for _, b := range c.Backends() {
		if b.Name == "" {
			return fmt.Errorf("every llm backend needs a name")
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
	}

	if c.Cache.MaxCachePerKey < 1 {
		return fmt.Errorf("cache.max_cache_per_key must be >= 1")
	}
	return nil
}

// Backends returns the configured backend list.
func (c *Config) Backends() []llm.BackendConfig { return c.LLM.Backends }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5198)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.mock_prefix", "/api/mock")
	v.SetDefault("server.management_prefix", "/api")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("llm.max_retry_attempts", 3)
	v.SetDefault("llm.retry_base_delay", "200ms")
	v.SetDefault("llm.breaker.failure_threshold", 5)
	v.SetDefault("llm.breaker.open_duration", "30s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_items", 500)
	v.SetDefault("cache.sliding_ttl", "15m")
	v.SetDefault("cache.absolute_ttl", "60m")
	v.SetDefault("cache.compress_threshold", 4096)
	v.SetDefault("cache.refill_timeout", "2m")
	v.SetDefault("cache.max_cache_per_key", 20)
	v.SetDefault("cache.default_cache_count", 0)

	v.SetDefault("context.expiration_minutes", 15)
	v.SetDefault("context.max_recent_calls", 10)
	v.SetDefault("context.max_value_len", 200)
	v.SetDefault("context.max_prompt_bytes", 4000)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.stats_window_size", 10)
	v.SetDefault("rate_limit.request_delay_min_ms", 0)
	v.SetDefault("rate_limit.request_delay_max_ms", 0)

	v.SetDefault("ingress.enabled", false)
	v.SetDefault("ingress.requests_per_minute", 120)
	v.SetDefault("ingress.max_request_size_bytes", 1<<20)

	v.SetDefault("streaming.default_mode", "LlmTokens")
	v.SetDefault("streaming.chunk_delay_min_ms", 0)
	v.SetDefault("streaming.chunk_delay_max_ms", 0)
	v.SetDefault("streaming.continuous_interval_ms", 2000)
	v.SetDefault("streaming.continuous_max_seconds", 300)

	v.SetDefault("push.interval_ms", 5000)
	v.SetDefault("push.run_when_idle", false)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allow_credentials", false)

	v.SetDefault("chunking.enabled", true)
	v.SetDefault("chunking.default_item_count", 10)
}

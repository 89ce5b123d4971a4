// Package config provides configuration management for agentmem.
// Settings start from defaults, are overlaid by an optional YAML file and
// finally by environment variables with the AGENTMEM_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for agentmem.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Log       LogConfig       `yaml:"log"`
}

// CacheConfig bounds the process-wide manager cache.
type CacheConfig struct {
	MaxSize int `yaml:"max_size"` // Unreferenced managers kept (default: 256)
}

// StorageConfig selects the thread and semantic backends.
type StorageConfig struct {
	ThreadEngine   string        `yaml:"thread_engine"`   // memory, sqlite, postgres, redis (default: sqlite)
	SemanticEngine string        `yaml:"semantic_engine"` // memory, sqlite, postgres (default: sqlite)
	SQLitePath     string        `yaml:"sqlite_path"`     // default: ./data/agentmem.db
	PostgresDSN    string        `yaml:"postgres_dsn"`
	RedisURL       string        `yaml:"redis_url"`        // default: redis://localhost:6379/0
	RedisKeyPrefix string        `yaml:"redis_key_prefix"` // default: agentmem
	RedisTTL       time.Duration `yaml:"redis_ttl"`        // 0 keeps threads forever
}

// EmbeddingConfig configures the embedding provider and its guard.
type EmbeddingConfig struct {
	Provider           string        `yaml:"provider"` // ollama, openai, hash, none (default: ollama)
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	APIKey             string        `yaml:"api_key"`
	Dimensions         int           `yaml:"dimensions"` // 0 accepts whatever the provider returns
	Timeout            time.Duration `yaml:"timeout"`    // per attempt (default: 2s)
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	RateLimit          float64       `yaml:"rate_limit"` // calls per second, 0 disables
	Burst              int           `yaml:"burst"`
	CacheSize          int           `yaml:"cache_size"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// MemoryConfig holds per-manager defaults and deadlines.
type MemoryConfig struct {
	DefaultRecentN int           `yaml:"default_recent_n"` // default: 10
	DefaultTopK    int           `yaml:"default_top_k"`    // default: 5
	StoreTimeout   time.Duration `yaml:"store_timeout"`    // default: 2s
	ContextTimeout time.Duration `yaml:"context_timeout"`  // default: 3s
	RetryBackoff   time.Duration `yaml:"retry_backoff"`    // default: 100ms
}

// BackfillConfig sizes the embedding backfill worker pool.
type BackfillConfig struct {
	Workers         int           `yaml:"workers"`    // default: 2
	QueueSize       int           `yaml:"queue_size"` // default: 1000
	MaxRetries      int           `yaml:"max_retries"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the root zap logger.
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error (default: info)
	Development bool   `yaml:"development"`
}

var (
	threadEngines   = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "redis": true}
	semanticEngines = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	providers       = map[string]bool{"ollama": true, "openai": true, "hash": true, "none": true}
	logLevels       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{MaxSize: 256},
		Storage: StorageConfig{
			ThreadEngine:   "sqlite",
			SemanticEngine: "sqlite",
			SQLitePath:     "./data/agentmem.db",
			RedisURL:       "redis://localhost:6379/0",
			RedisKeyPrefix: "agentmem",
		},
		Embedding: EmbeddingConfig{
			Provider:           "ollama",
			BaseURL:            "http://localhost:11434",
			Model:              "nomic-embed-text",
			Timeout:            2 * time.Second,
			RetryBackoff:       200 * time.Millisecond,
			CacheSize:          1024,
			BreakerMaxFailures: 3,
			BreakerTimeout:     30 * time.Second,
		},
		Memory: MemoryConfig{
			DefaultRecentN: 10,
			DefaultTopK:    5,
			StoreTimeout:   2 * time.Second,
			ContextTimeout: 3 * time.Second,
			RetryBackoff:   100 * time.Millisecond,
		},
		Backfill: BackfillConfig{
			Workers:         2,
			QueueSize:       1000,
			MaxRetries:      3,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then AGENTMEM_ environment variables. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the current values.
func (c *Config) applyEnv() {
	c.Cache.MaxSize = getEnvInt("AGENTMEM_CACHE_MAX_SIZE", c.Cache.MaxSize)

	c.Storage.ThreadEngine = getEnv("AGENTMEM_THREAD_ENGINE", c.Storage.ThreadEngine)
	c.Storage.SemanticEngine = getEnv("AGENTMEM_SEMANTIC_ENGINE", c.Storage.SemanticEngine)
	c.Storage.SQLitePath = getEnv("AGENTMEM_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = getEnv("AGENTMEM_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.RedisURL = getEnv("AGENTMEM_REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisKeyPrefix = getEnv("AGENTMEM_REDIS_KEY_PREFIX", c.Storage.RedisKeyPrefix)
	c.Storage.RedisTTL = getEnvDuration("AGENTMEM_REDIS_TTL", c.Storage.RedisTTL)

	c.Embedding.Provider = getEnv("AGENTMEM_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.BaseURL = getEnv("AGENTMEM_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("AGENTMEM_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("AGENTMEM_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Dimensions = getEnvInt("AGENTMEM_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("AGENTMEM_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.RetryBackoff = getEnvDuration("AGENTMEM_EMBEDDING_RETRY_BACKOFF", c.Embedding.RetryBackoff)
	c.Embedding.RateLimit = getEnvFloat("AGENTMEM_EMBEDDING_RATE_LIMIT", c.Embedding.RateLimit)
	c.Embedding.Burst = getEnvInt("AGENTMEM_EMBEDDING_BURST", c.Embedding.Burst)
	c.Embedding.CacheSize = getEnvInt("AGENTMEM_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)
	c.Embedding.BreakerMaxFailures = uint32(getEnvInt("AGENTMEM_EMBEDDING_BREAKER_MAX_FAILURES", int(c.Embedding.BreakerMaxFailures)))
	c.Embedding.BreakerTimeout = getEnvDuration("AGENTMEM_EMBEDDING_BREAKER_TIMEOUT", c.Embedding.BreakerTimeout)

	c.Memory.DefaultRecentN = getEnvInt("AGENTMEM_RECENT_N", c.Memory.DefaultRecentN)
	c.Memory.DefaultTopK = getEnvInt("AGENTMEM_TOP_K", c.Memory.DefaultTopK)
	c.Memory.StoreTimeout = getEnvDuration("AGENTMEM_STORE_TIMEOUT", c.Memory.StoreTimeout)
	c.Memory.ContextTimeout = getEnvDuration("AGENTMEM_CONTEXT_TIMEOUT", c.Memory.ContextTimeout)
	c.Memory.RetryBackoff = getEnvDuration("AGENTMEM_STORE_RETRY_BACKOFF", c.Memory.RetryBackoff)

	c.Backfill.Workers = getEnvInt("AGENTMEM_BACKFILL_WORKERS", c.Backfill.Workers)
	c.Backfill.QueueSize = getEnvInt("AGENTMEM_BACKFILL_QUEUE_SIZE", c.Backfill.QueueSize)
	c.Backfill.MaxRetries = getEnvInt("AGENTMEM_BACKFILL_MAX_RETRIES", c.Backfill.MaxRetries)
	c.Backfill.ShutdownTimeout = getEnvDuration("AGENTMEM_BACKFILL_SHUTDOWN_TIMEOUT", c.Backfill.ShutdownTimeout)

	c.Log.Level = getEnv("AGENTMEM_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("AGENTMEM_LOG_DEVELOPMENT", c.Log.Development)
}

// Validate checks engines, sizes and deadlines. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Cache.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("cache.max_size must be >= 1, got %d", c.Cache.MaxSize))
	}

	if !threadEngines[c.Storage.ThreadEngine] {
		errs = append(errs, fmt.Errorf("storage.thread_engine %q is not supported", c.Storage.ThreadEngine))
	}
	if !semanticEngines[c.Storage.SemanticEngine] {
		errs = append(errs, fmt.Errorf("storage.semantic_engine %q is not supported", c.Storage.SemanticEngine))
	}
	uses := func(engine string) bool {
		return c.Storage.ThreadEngine == engine || c.Storage.SemanticEngine == engine
	}
	if uses("sqlite") && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite engine"))
	}
	if uses("postgres") && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres engine"))
	}
	if c.Storage.ThreadEngine == "redis" && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("storage.redis_url is required for the redis engine"))
	}
	if c.Storage.RedisTTL < 0 {
		errs = append(errs, fmt.Errorf("storage.redis_ttl must be >= 0, got %v", c.Storage.RedisTTL))
	}

	if !providers[c.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		errs = append(errs, errors.New("embedding.api_key is required for the openai provider"))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be >= 0, got %d", c.Embedding.Dimensions))
	}
	if c.Embedding.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("embedding.timeout must be > 0, got %v", c.Embedding.Timeout))
	}
	if c.Embedding.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("embedding.rate_limit must be >= 0, got %v", c.Embedding.RateLimit))
	}

	if c.Memory.DefaultRecentN < 1 {
		errs = append(errs, fmt.Errorf("memory.default_recent_n must be >= 1, got %d", c.Memory.DefaultRecentN))
	}
	if c.Memory.DefaultTopK < 1 {
		errs = append(errs, fmt.Errorf("memory.default_top_k must be >= 1, got %d", c.Memory.DefaultTopK))
	}
	if c.Memory.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("memory.store_timeout must be > 0, got %v", c.Memory.StoreTimeout))
	}
	if c.Memory.ContextTimeout <= 0 {
		errs = append(errs, fmt.Errorf("memory.context_timeout must be > 0, got %v", c.Memory.ContextTimeout))
	}

	if c.Backfill.Workers < 1 {
		errs = append(errs, fmt.Errorf("backfill.workers must be >= 1, got %d", c.Backfill.Workers))
	}
	if c.Backfill.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("backfill.queue_size must be >= 1, got %d", c.Backfill.QueueSize))
	}
	if c.Backfill.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("backfill.max_retries must be >= 0, got %d", c.Backfill.MaxRetries))
	}

	if !logLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings such as "250ms" or "2s".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"time"
)

// Config represents the registry service configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// DatabaseConfig represents the durable PostgreSQL store configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the volatile Redis store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig selects and tunes the volatile store backend
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	MaxSize         int           `mapstructure:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LeaseConfig represents per-key write lease configuration
type LeaseConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	AcquireWait time.Duration `mapstructure:"acquire_wait"`
}

// RetryConfig represents the bounded retry policy applied to both stores
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ReconcilerConfig represents background reconciliation configuration
type ReconcilerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	Parallelism        int           `mapstructure:"parallelism"`
	SweepRateLimit     float64       `mapstructure:"sweep_rate_limit"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if !isValidCacheBackend(c.Cache.Backend) {
		return errors.New("cache.backend must be one of: redis, memory")
	}
	if c.Cache.Backend == "redis" && c.Redis.Host == "" {
		return errors.New("redis.host is required when cache.backend is redis")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease.ttl must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	if c.Reconciler.Enabled {
		if c.Reconciler.Interval <= 0 {
			return errors.New("reconciler.interval must be positive")
		}
		if c.Reconciler.BatchSize <= 0 {
			return errors.New("reconciler.batch_size must be positive")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidCacheBackend checks if the cache backend name is valid
func isValidCacheBackend(backend string) bool {
	switch backend {
	case "redis", "memory":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       1000,
			RateBurst:       200,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "registry",
			User:           "registry",
			Password:       "",
			MaxConnections: 50,
			MinConnections: 10,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		Cache: CacheConfig{
			Backend:         "redis",
			TTL:             5 * time.Minute,
			MaxSize:         10000,
			CleanupInterval: time.Minute,
		},
		Lease: LeaseConfig{
			TTL:         10 * time.Second,
			AcquireWait: 2 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			Multiplier:  2.0,
			MaxDelay:    time.Second,
		},
		Reconciler: ReconcilerConfig{
			Enabled:            true,
			Interval:           time.Minute,
			BatchSize:          200,
			Parallelism:        4,
			SweepRateLimit:     500,
			TombstoneRetention: 24 * time.Hour,
			PurgeInterval:      time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

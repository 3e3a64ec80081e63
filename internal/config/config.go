package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"usage_ledger/internal/providers"
	"usage_ledger/internal/queue"
	"usage_ledger/internal/reconcile"
)

// Config holds configuration for the ledger service.
type Config struct {
	HTTPPort  string
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Catalog   CatalogConfig
	Engine    EngineConfig
	Lock      LockConfig
	Queue     queue.Config
	Reconcile reconcile.Config
	Upstream  UpstreamConfig
	Auth      AuthConfig
	Log       LogConfig
}

// DatabaseConfig holds database connection settings. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	LedgerCacheSize int
	LedgerCacheTTL  time.Duration
}

// CatalogConfig locates the capability catalog file
type CatalogConfig struct {
	Path  string
	Watch bool // reload on file change
}

// EngineConfig holds billing engine settings
type EngineConfig struct {
	MaxConflictRetries int
	LockTimeout        time.Duration
}

// LockConfig selects the per-task lock backend
type LockConfig struct {
	Backend   string // memory or redis
	KeyPrefix string
	TTL       time.Duration
}

// UpstreamConfig lists the status providers
type UpstreamConfig struct {
	Providers []providers.HTTPConfig
}

// AuthConfig holds operator token settings. An empty secret disables the
// /admin endpoints.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string
	Format string // json or console
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == queue.BackendRedis || c.Queue.Backend == queue.BackendRedis
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 1*time.Minute)
	v.SetDefault("database.query_timeout", 5*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("cache.ledger_size", 10000)
	v.SetDefault("cache.ledger_ttl", 30*time.Minute)

	v.SetDefault("catalog.path", "catalog.yaml")
	v.SetDefault("catalog.watch", true)

	v.SetDefault("engine.max_conflict_retries", 3)
	v.SetDefault("engine.lock_timeout", 10*time.Second)

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.key_prefix", "ledger:lock:")
	v.SetDefault("lock.ttl", 30*time.Second)

	q := queue.DefaultConfig("settlements")
	v.SetDefault("queue.backend", q.Backend)
	v.SetDefault("queue.name", q.QueueName)
	v.SetDefault("queue.batch_size", q.BatchSize)
	v.SetDefault("queue.batch_timeout", q.BatchTimeout)
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.retry_backoff", q.RetryBackoff)

	r := reconcile.DefaultConfig()
	v.SetDefault("reconcile.interval", r.Interval)
	v.SetDefault("reconcile.lookback", r.Lookback)
	v.SetDefault("reconcile.not_found_grace", r.NotFoundGrace)
	v.SetDefault("reconcile.batch_size", r.BatchSize)
	v.SetDefault("reconcile.max_concurrency", r.MaxConcurrency)
	v.SetDefault("reconcile.query_timeout", r.QueryTimeout)
	v.SetDefault("reconcile.rate_limit", r.RateLimit)
	v.SetDefault("reconcile.burst", r.Burst)
	v.SetDefault("reconcile.backoff_base", r.BackoffBase)
	v.SetDefault("reconcile.backoff_max", r.BackoffMax)
	v.SetDefault("reconcile.sweep_grace", r.SweepGrace)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from built-in defaults, the optional file named
// by LEDGER_CONFIG and environment variables, in increasing priority.
// Environment names are the upper-cased keys with dots replaced by
// underscores, e.g. DATABASE_URL, REDIS_ADDRESS, RECONCILE_INTERVAL.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("LEDGER_CONFIG"))
}

// LoadFrom is Load with an explicit config file; path may be empty
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		HTTPPort: v.GetString("http_port"),
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("database.conn_max_idle_time"),
			QueryTimeout:    v.GetDuration("database.query_timeout"),
		},
		Redis: RedisConfig{
			Address:      v.GetString("redis.address"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
		},
		Cache: CacheConfig{
			LedgerCacheSize: v.GetInt("cache.ledger_size"),
			LedgerCacheTTL:  v.GetDuration("cache.ledger_ttl"),
		},
		Catalog: CatalogConfig{
			Path:  v.GetString("catalog.path"),
			Watch: v.GetBool("catalog.watch"),
		},
		Engine: EngineConfig{
			MaxConflictRetries: v.GetInt("engine.max_conflict_retries"),
			LockTimeout:        v.GetDuration("engine.lock_timeout"),
		},
		Lock: LockConfig{
			Backend:   strings.ToLower(v.GetString("lock.backend")),
			KeyPrefix: v.GetString("lock.key_prefix"),
			TTL:       v.GetDuration("lock.ttl"),
		},
		Queue: queue.Config{
			Backend:      strings.ToLower(v.GetString("queue.backend")),
			QueueName:    v.GetString("queue.name"),
			BatchSize:    v.GetInt("queue.batch_size"),
			BatchTimeout: v.GetDuration("queue.batch_timeout"),
			MaxRetries:   v.GetInt("queue.max_retries"),
			RetryBackoff: v.GetDuration("queue.retry_backoff"),
		},
		Reconcile: reconcile.Config{
			Interval:       v.GetDuration("reconcile.interval"),
			Lookback:       v.GetDuration("reconcile.lookback"),
			NotFoundGrace:  v.GetDuration("reconcile.not_found_grace"),
			BatchSize:      v.GetInt("reconcile.batch_size"),
			MaxConcurrency: v.GetInt("reconcile.max_concurrency"),
			QueryTimeout:   v.GetDuration("reconcile.query_timeout"),
			RateLimit:      v.GetFloat64("reconcile.rate_limit"),
			Burst:          v.GetInt("reconcile.burst"),
			BackoffBase:    v.GetDuration("reconcile.backoff_base"),
			BackoffMax:     v.GetDuration("reconcile.backoff_max"),
			SweepGrace:     v.GetDuration("reconcile.sweep_grace"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	if err := v.UnmarshalKey("upstream.providers", &cfg.Upstream.Providers); err != nil {
		return nil, fmt.Errorf("invalid upstream.providers: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTPPort != "", "http_port is required")
	check(c.Database.MaxOpenConns > 0, "database.max_open_conns must be positive")
	check(c.Database.MaxIdleConns >= 0, "database.max_idle_conns must not be negative")
	check(c.Database.QueryTimeout > 0, "database.query_timeout must be positive")
	check(c.Cache.LedgerCacheSize >= 0, "cache.ledger_size must not be negative")
	check(c.Catalog.Path != "", "catalog.path is required")
	check(c.Engine.MaxConflictRetries >= 0, "engine.max_conflict_retries must not be negative")
	check(c.Engine.LockTimeout > 0, "engine.lock_timeout must be positive")

	check(isBackend(c.Lock.Backend), "lock.backend must be memory or redis, got %q", c.Lock.Backend)
	check(c.Lock.TTL > 0, "lock.ttl must be positive")
	check(isBackend(c.Queue.Backend), "queue.backend must be memory or redis, got %q", c.Queue.Backend)
	check(c.Queue.QueueName != "", "queue.name is required")
	check(c.Queue.BatchSize > 0, "queue.batch_size must be positive")
	check(c.Queue.BatchTimeout > 0, "queue.batch_timeout must be positive")
	check(c.Queue.MaxRetries >= 0, "queue.max_retries must not be negative")
	check(!c.UsesRedis() || c.Redis.Address != "", "redis.address is required by the redis lock or queue backend")

	r := c.Reconcile
	check(r.Interval > 0, "reconcile.interval must be positive")
	check(r.Lookback > 0, "reconcile.lookback must be positive")
	check(r.NotFoundGrace >= 0, "reconcile.not_found_grace must not be negative")
	check(r.NotFoundGrace <= r.Lookback, "reconcile.not_found_grace must not exceed reconcile.lookback")
	check(r.BatchSize > 0, "reconcile.batch_size must be positive")
	check(r.MaxConcurrency > 0, "reconcile.max_concurrency must be positive")
	check(r.QueryTimeout > 0, "reconcile.query_timeout must be positive")
	check(r.QueryTimeout < r.Interval, "reconcile.query_timeout must be shorter than reconcile.interval")
	check(r.RateLimit > 0, "reconcile.rate_limit must be positive")
	check(r.BackoffMax >= r.BackoffBase, "reconcile.backoff_max must not be below reconcile.backoff_base")

	seen := make(map[string]bool)
	for i, p := range c.Upstream.Providers {
		check(p.BaseURL != "", "upstream.providers[%d].base_url is required", i)
		if p.ID != "" {
			check(!seen[p.ID], "upstream.providers[%d]: duplicate id %q", i, p.ID)
			seen[p.ID] = true
		}
	}

	check(c.Auth.JWTSecret == "" || len(c.Auth.JWTSecret) >= 16, "auth.jwt_secret must be at least 16 bytes")
	check(c.Auth.TokenTTL > 0, "auth.token_ttl must be positive")

	check(isLevel(c.Log.Level), "log.level must be debug, info, warn or error, got %q", c.Log.Level)
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func isBackend(s string) bool {
	return s == queue.BackendMemory || s == queue.BackendRedis
}

func isLevel(s string) bool {
	switch s {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ledger/internal/providers"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 10000, cfg.Cache.LedgerCacheSize)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "settlements", cfg.Queue.QueueName)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.Lookback)
	assert.Zero(t, cfg.Reconcile.NotFoundGrace)
	assert.Equal(t, 3, cfg.Engine.MaxConflictRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Upstream.Providers)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.False(t, cfg.UsesRedis())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/usage_ledger?sslmode=disable")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("LOCK_BACKEND", "REDIS")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("RECONCILE_MAX_CONCURRENCY", "16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("AUTH_JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://ledger@db/usage_ledger?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 16, cfg.Reconcile.MaxConcurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "0123456789abcdef0123", cfg.Auth.JWTSecret)
}

func TestLoadFrom_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	content := `
http_port: "7070"
catalog:
  path: /etc/ledger/catalog.yaml
  watch: false
queue:
  backend: redis
  max_retries: 5
reconcile:
  lookback: 48h
  rate_limit: 2.5
upstream:
  providers:
    - id: default
      base_url: http://jobs.internal
      timeout: 3s
    - id: video
      base_url: http://video.internal
      api_key: secret
      capabilities: [upscale, transcode]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.HTTPPort)
	assert.Equal(t, "/etc/ledger/catalog.yaml", cfg.Catalog.Path)
	assert.False(t, cfg.Catalog.Watch)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 48*time.Hour, cfg.Reconcile.Lookback)
	assert.Equal(t, 2.5, cfg.Reconcile.RateLimit)

	require.Len(t, cfg.Upstream.Providers, 2)
	assert.Equal(t, "default", cfg.Upstream.Providers[0].ID)
	assert.Equal(t, 3*time.Second, cfg.Upstream.Providers[0].Timeout)
	assert.Equal(t, []string{"upscale", "transcode"}, cfg.Upstream.Providers[1].Capabilities)
	assert.Equal(t, "secret", cfg.Upstream.Providers[1].APIKey)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("LOCK_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.backend")
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Setenv("LEDGER_CONFIG", "")
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis backend without address", func(c *Config) {
			c.Queue.Backend = "redis"
			c.Redis.Address = ""
		}, "redis.address"},
		{"grace longer than lookback", func(c *Config) {
			c.Reconcile.NotFoundGrace = 48 * time.Hour
		}, "not_found_grace"},
		{"query timeout longer than interval", func(c *Config) {
			c.Reconcile.QueryTimeout = 2 * time.Minute
		}, "query_timeout"},
		{"provider without base url", func(c *Config) {
			c.Upstream.Providers = append(c.Upstream.Providers, providers.HTTPConfig{ID: "x"})
		}, "base_url"},
		{"short jwt secret", func(c *Config) {
			c.Auth.JWTSecret = "short"
		}, "auth.jwt_secret"},
		{"unknown log format", func(c *Config) {
			c.Log.Format = "xml"
		}, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

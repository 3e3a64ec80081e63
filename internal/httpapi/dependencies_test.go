package httpapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ledger/internal/config"
	"usage_ledger/internal/providers"
)

const testCatalog = `
capabilities:
  - id: upscale
    pricing: {kind: fixed, amount: 66}
    free_allowance: 1
    quota_rule: count_completed_only
`

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	return path
}

func TestNewDependencies_InitErrors(t *testing.T) {
	tests := []struct {
		name   string
		config func(t *testing.T) *config.Config
		want   string
	}{
		{
			name: "missing catalog",
			config: func(t *testing.T) *config.Config {
				cfg := &config.Config{}
				cfg.Catalog.Path = filepath.Join(t.TempDir(), "absent.yaml")
				return cfg
			},
			want: "failed to load catalog",
		},
		{
			name: "provider without base url",
			config: func(t *testing.T) *config.Config {
				cfg := &config.Config{}
				cfg.Catalog.Path = writeTestCatalog(t)
				cfg.Upstream.Providers = []providers.HTTPConfig{{ID: "jobs"}}
				return cfg
			},
			want: "failed to initialize status providers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config(t)

			var (
				deps *Dependencies
				err  error
			)
			assert.NotPanics(t, func() {
				deps, err = NewDependencies(context.Background(), cfg)
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, deps)
		})
	}
}

func TestNewDependencies_MemoryBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Catalog.Path = writeTestCatalog(t)

	deps, err := NewDependencies(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, deps)

	assert.Nil(t, deps.Redis)
	assert.NotNil(t, deps.Queue)
	assert.NotNil(t, deps.DeadLetters)
	assert.Equal(t, 1, deps.Catalog.Snapshot().Len())
	assert.NoError(t, deps.Store.Ping(context.Background()))

	assert.NoError(t, deps.Shutdown(context.Background()))
}

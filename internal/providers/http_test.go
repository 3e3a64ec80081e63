package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusServer(t *testing.T, handler http.HandlerFunc) *HTTPStatusProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewHTTPStatusProvider(HTTPConfig{ID: "upstream", BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)
	return p
}

func TestHTTPStatusProvider_QueryStatus(t *testing.T) {
	t.Run("parses a succeeded task with result params", func(t *testing.T) {
		p := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tasks/ext-1", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"completed","result":{"duration_seconds":42}}`))
		})

		st, err := p.QueryStatus(context.Background(), "ext-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, st.Status)
		assert.Equal(t, float64(42), st.ResultParams["duration_seconds"])
	})

	t.Run("maps upstream vocabulary", func(t *testing.T) {
		tests := map[string]Status{
			"queued":    StatusPending,
			"RUNNING":   StatusPending,
			"success":   StatusSucceeded,
			"cancelled": StatusFailed,
			"error":     StatusFailed,
		}
		for raw, want := range tests {
			got, err := parseStatus(raw)
			require.NoError(t, err, raw)
			assert.Equal(t, want, got, raw)
		}
		_, err := parseStatus("exploded")
		assert.Error(t, err)
	})

	t.Run("404 means not found", func(t *testing.T) {
		p := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})

		st, err := p.QueryStatus(context.Background(), "ext-404")
		require.NoError(t, err)
		assert.Equal(t, StatusNotFound, st.Status)
	})

	t.Run("5xx means unavailable", func(t *testing.T) {
		p := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := p.QueryStatus(context.Background(), "ext-1")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("timeout means unavailable", func(t *testing.T) {
		p := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.QueryStatus(ctx, "ext-1")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("malformed body is an error but not unavailability", func(t *testing.T) {
		p := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		})

		_, err := p.QueryStatus(context.Background(), "ext-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	})
}

func TestNewHTTPStatusProvider_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPStatusProvider(HTTPConfig{ID: "x"})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistryFromConfig([]HTTPConfig{
		{ID: "default", BaseURL: "http://default.local"},
		{ID: "video", BaseURL: "http://video.local", Capabilities: []string{"upscale", "transcode"}},
	})
	require.NoError(t, err)

	p, err := r.Resolve("upscale")
	require.NoError(t, err)
	assert.Equal(t, "video", p.ID())

	p, err = r.Resolve("anything-else")
	require.NoError(t, err)
	assert.Equal(t, "default", p.ID())

	assert.Equal(t, []string{"transcode", "upscale"}, r.Capabilities())

	empty := NewRegistry(nil)
	_, err = empty.Resolve("upscale")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = NewRegistryFromConfig([]HTTPConfig{
		{ID: "a", BaseURL: "http://a.local"},
		{ID: "b", BaseURL: "http://b.local"},
	})
	assert.Error(t, err)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"usage_ledger/internal/utils"
)

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	utils.SetOutput(core)
	defer utils.ConfigureLogging(utils.Info, "json")

	var seen string
	handler := RequestLogger(utils.NewLogger("http"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	t.Run("generates a request id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})

	t.Run("propagates the caller's request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	})

	entries := logs.FilterMessage("HTTP request").All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
		fields := entries[1].ContextMap()
		assert.Equal(t, "req-42", fields["request_id"])
		assert.EqualValues(t, http.StatusServiceUnavailable, fields["status"])
		assert.Equal(t, "/v1/tasks/t1", fields["path"])
	}
}

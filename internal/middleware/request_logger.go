package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"usage_ledger/internal/utils"
)

// RequestIDKey is the context key holding the request id
const RequestIDKey ContextKey = "requestID"

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// RequestLogger assigns a request id and logs one line per request
func RequestLogger(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rec := &statusRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			keyvals := []interface{}{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration", time.Since(start),
			}
			if rec.status >= 500 {
				logger.Error("HTTP request", keyvals...)
				return
			}
			logger.Debug("HTTP request", keyvals...)
		})
	}
}

// GetRequestID returns the request id set by RequestLogger
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ledger/internal/auth"
)

var testSecret = []byte("middleware-test-secret")

func protected(t *testing.T, required auth.Role) http.Handler {
	return OperatorJWTMiddleware(testSecret, required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, ok := GetOperator(r.Context())
		require.True(t, ok)
		w.Write([]byte(operator))
	}))
}

func token(t *testing.T, operator string, roles ...auth.Role) string {
	signed, _, err := auth.IssueOperatorToken(testSecret, operator, roles, time.Hour)
	require.NoError(t, err)
	return signed
}

func TestOperatorJWTMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		required auth.Role
		wantCode int
		wantBody string
	}{
		{"missing token", "", auth.RoleViewer, http.StatusUnauthorized, ""},
		{"invalid token", "Bearer nope", auth.RoleViewer, http.StatusUnauthorized, ""},
		{"viewer on viewer route", "Bearer " + token(t, "bob", auth.RoleViewer), auth.RoleViewer, http.StatusOK, "bob"},
		{"viewer on admin route", "Bearer " + token(t, "bob", auth.RoleViewer), auth.RoleAdmin, http.StatusForbidden, ""},
		{"admin on admin route", "Bearer " + token(t, "alice", auth.RoleAdmin), auth.RoleAdmin, http.StatusOK, "alice"},
		{"token without bearer prefix", token(t, "alice", auth.RoleAdmin), auth.RoleAdmin, http.StatusOK, "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			protected(t, tt.required).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestGetOperator_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetOperator(req.Context())
	assert.False(t, ok)
}

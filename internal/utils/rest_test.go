package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
	}{
		{"bad request", http.StatusBadRequest, "Invalid input"},
		{"payment required", http.StatusPaymentRequired, "Insufficient credits"},
		{"conflict", http.StatusConflict, "Already refunded"},
		{"service unavailable", http.StatusServiceUnavailable, "Upstream unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RespondWithError(w, tt.code, tt.message)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.message, response.Error)
		})
	}
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, RespondWithJSON(w, http.StatusCreated, map[string]any{"task_id": "t1", "charged": 66}))

	assert.Equal(t, http.StatusCreated, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "t1", body["task_id"])
	assert.Equal(t, float64(66), body["charged"])

	w = httptest.NewRecorder()
	assert.Error(t, RespondWithJSON(w, http.StatusOK, map[string]any{"bad": make(chan int)}))
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		TaskID string `json:"task_id"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"task_id":"t1"}`, false},
		{"empty", ``, true},
		{"unknown field", `{"task_id":"t1","extra":1}`, true},
		{"trailing object", `{"task_id":"t1"}{"task_id":"t2"}`, true},
		{"malformed", `{"task_id":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(req, &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t1", p.TaskID)
		})
	}
}

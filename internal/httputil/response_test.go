package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, "task not found", http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "task not found", body["error"])
}

func TestIntQuery(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=invalid", 50},
		{"?limit=-3", 50},
		{"?limit=5000", 500},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/history/recent"+tt.query, nil)
		assert.Equal(t, tt.want, IntQuery(r, "limit", 50, 500), tt.query)
	}
}

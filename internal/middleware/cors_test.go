package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantStatus int
		wantOrigin string
		wantCreds  string
	}{
		{"explicit origin", []string{"https://chat.example.com"}, "https://chat.example.com", http.MethodGet, http.StatusTeapot, "https://chat.example.com", "true"},
		{"wildcard origin", []string{"*"}, "https://other.example.com", http.MethodGet, http.StatusTeapot, "https://other.example.com", ""},
		{"rejected origin", []string{"https://chat.example.com"}, "https://evil.example.com", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight", []string{"https://chat.example.com"}, "https://chat.example.com", http.MethodOptions, http.StatusNoContent, "https://chat.example.com", "true"},
		{"no origin", []string{"*"}, "", http.MethodGet, http.StatusTeapot, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/health", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Correlation-ID")
			}
		})
	}
}

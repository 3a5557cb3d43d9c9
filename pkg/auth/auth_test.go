package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func protected(secret string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return RequireAPIKey(secret, zerolog.Nop())(ok)
}

func TestRequireAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing credential", "", "", http.StatusUnauthorized},
		{"wrong x-api-key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"valid x-api-key", "X-API-Key", "s3cret", http.StatusOK},
		{"valid bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer prefix required", "Authorization", "s3cret", http.StatusUnauthorized},
	}

	h := protected("s3cret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/flags", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestExtractAPIKeyPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")
	if got := ExtractAPIKey(req); got != "from-header" {
		t.Fatalf("ExtractAPIKey = %q, want X-API-Key to win", got)
	}
}

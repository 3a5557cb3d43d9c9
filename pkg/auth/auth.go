package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// RequireAPIKey guards admin endpoints with a single shared secret,
// accepted as either X-API-Key or a bearer token. Comparison is
// constant-time.
func RequireAPIKey(secret string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractAPIKey(r)
			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
				logger.Debug().Str("path", r.URL.Path).Msg("Rejected admin request")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "unauthorized",
					"message": "Missing or invalid API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractAPIKey pulls the credential from X-API-Key or Authorization:
// Bearer. Returns "" when neither is present.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

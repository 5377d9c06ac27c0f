package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
)

// APIKeyHeader carries the shared key. Browsers cannot set headers on a
// WebSocket upgrade, so the api_key query parameter is accepted as well.
const APIKeyHeader = "X-API-Key"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAPIKey rejects requests that do not present key. An empty key
// disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				presented = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or missing API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientID identifies the caller for admission control: the remote IP as
// resolved by chi's RealIP middleware.
func ClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

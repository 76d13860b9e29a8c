package middleware

import (
	"net/http"
	"strings"

	"github.com/novafund/lifeperp/internal/crypto"
)

// allowedHeaders lists every header a browser dashboard sends: JSON bodies,
// the public bearer token, and the three HMAC headers for admin requests.
var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	crypto.HeaderAPIKey,
	crypto.HeaderTimestamp,
	crypto.HeaderSignature,
}, ", ")

// CORS sets cross-origin headers for the configured dashboard origins and
// answers preflight requests. An empty origin list allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether the request origin is in the configured
// list. An empty list or a "*" entry allows everything.
func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

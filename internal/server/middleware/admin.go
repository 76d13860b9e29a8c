package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/novafund/lifeperp/internal/crypto"
)

// maxAdminBodyBytes bounds how much request body the HMAC check will read.
const maxAdminBodyBytes = 1 << 20

// AdminHMAC returns middleware that requires a valid HMAC signature over
// timestamp+method+path+body on every request. If auth is nil, admin routes
// are disabled outright rather than left open.
func AdminHMAC(auth *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				writeUnauthorized(w, "admin api disabled")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBodyBytes))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body.Close()
			// The handler still needs the body.
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = auth.VerifyAt(
				r.Method,
				r.URL.Path,
				string(body),
				r.Header.Get(crypto.HeaderAPIKey),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
				time.Now(),
			)
			if err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

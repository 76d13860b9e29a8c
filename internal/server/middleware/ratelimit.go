package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// RateLimit throttles the public API per client IP through the shared
// domain.RateLimiter, so the limit holds across engine replicas. Reporter
// submissions have their own per-reporter throttle inside the aggregator;
// this one protects the read surface.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:" + clientIP(r)

			allowed, err := limiter.Allow(context.Background(), key, limit, window)
			if err != nil {
				// Fail open on limiter errors. A Redis blip must not take
				// the read API down with it.
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller's address from proxy headers, falling back
// to the direct remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

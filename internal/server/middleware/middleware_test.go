package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
}

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	h := Auth("")(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	h := Auth("secret-token")(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer secret-token", http.StatusOK},
		{"wrong token", "Bearer other-token", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORS([]string{"https://dash.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/feed/value", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	headers := rr.Header().Get("Access-Control-Allow-Headers")
	for _, want := range []string{"Authorization", "X-LP-API-KEY", "X-LP-TIMESTAMP", "X-LP-SIGNATURE"} {
		if !strings.Contains(headers, want) {
			t.Errorf("allow-headers = %q, missing %s", headers, want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("empty origin list should allow any origin")
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	h := CORS([]string{"https://dash.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/feed/value", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin = %q, want none", got)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// fakeLimiter records the last key and answers with a fixed verdict.
type fakeLimiter struct {
	key     string
	allowed bool
	err     error
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.key = key
	return f.allowed, f.err
}

func TestRateLimitKeysByClientIP(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	h := RateLimit(limiter, 100, time.Minute)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if limiter.key != "api:203.0.113.7" {
		t.Errorf("limiter key = %q, want api:203.0.113.7", limiter.key)
	}
}

func TestRateLimitDenied(t *testing.T) {
	h := RateLimit(&fakeLimiter{allowed: false}, 1, time.Minute)(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(&fakeLimiter{err: io.ErrUnexpectedEOF}, 1, time.Minute)(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("limiter error should fail open, got status %d", rr.Code)
	}
}

func TestRateLimitForwardedFor(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	h := RateLimit(limiter, 100, time.Minute)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if limiter.key != "api:198.51.100.9" {
		t.Errorf("limiter key = %q, want first forwarded address", limiter.key)
	}
}

func TestLoggingCapturesStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/positions/open", nil))
	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rr.Code)
	}

	// A handler that writes without WriteHeader keeps the implicit 200.
	h = Logging(logger)(okHandler())
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

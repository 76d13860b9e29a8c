package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// Admin API HMAC header names.
const (
	HeaderAPIKey    = "X-LP-API-KEY"
	HeaderTimestamp = "X-LP-TIMESTAMP"
	HeaderSignature = "X-LP-SIGNATURE"
)

// maxTimestampSkew bounds how old or future-dated a signed request may be.
const maxTimestampSkew = 30 * time.Second

// HMACAuth holds the credentials for HMAC-authenticated admin requests.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers returns the HTTP headers for an authenticated request.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)

	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: sig,
	}
}

// VerifyAt checks a request signature against the credentials, rejecting
// stale or future-dated timestamps. now is injected for testability.
func (h *HMACAuth) VerifyAt(method, path, body, apiKey, tsStr, sig string, now time.Time) error {
	if apiKey != h.Key {
		return fmt.Errorf("crypto: unknown api key: %w", domain.ErrNotAuthorized)
	}

	unixTS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: bad timestamp %q: %w", tsStr, domain.ErrNotAuthorized)
	}
	skew := now.Sub(time.Unix(unixTS, 0))
	if skew < -maxTimestampSkew || skew > maxTimestampSkew {
		return fmt.Errorf("crypto: timestamp outside window: %w", domain.ErrNotAuthorized)
	}

	want := hmacSHA256Base64([]byte(h.Secret), tsStr+method+path+body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("crypto: signature mismatch: %w", domain.ErrNotAuthorized)
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

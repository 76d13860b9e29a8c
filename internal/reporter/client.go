// Package reporter is the reporter-side submission client. It loads the
// reporter's signing key, signs each index observation, and posts it to the
// engine's feed API. The lifeperp-reporter command wraps it for operators
// running a reporter as a standalone process.
package reporter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/domain"
)

// domainReport builds the report value the signer digests. It must match
// what the server reconstructs from the JSON body, field for field.
func domainReport(id string, value decimal.Decimal, at time.Time) domain.Report {
	return domain.Report{ReporterID: id, Value: value, At: at}
}

// defaultTimeout bounds one submission round trip.
const defaultTimeout = 10 * time.Second

// Config holds the connection parameters for a reporter client.
type Config struct {
	// BaseURL is the engine API root, e.g. "http://localhost:8000".
	BaseURL string

	// ReporterID is the registered reporter identity to submit as.
	ReporterID string

	// APIKey is the public API bearer token. Empty when the deployment
	// runs without one.
	APIKey string

	// Timeout bounds each submission request. Zero uses the default.
	Timeout time.Duration
}

// Client submits signed index observations to the feed API.
type Client struct {
	cfg    Config
	signer *crypto.Signer // nil submits unsigned, for keyless reporters
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. A nil signer is allowed; the aggregator then applies
// its keyless-reporter rules to the submissions.
func New(cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reporter: base URL is required")
	}
	if cfg.ReporterID == "" {
		return nil, fmt.Errorf("reporter: reporter ID is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		signer: signer,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "reporter_client")),
	}, nil
}

// NewFromKey creates a Client whose signer is resolved through the key
// manager: a raw hex key or an encrypted keyfile plus password. An empty
// KeyConfig yields a keyless client.
func NewFromKey(cfg Config, key crypto.KeyConfig, logger *slog.Logger) (*Client, error) {
	if key.RawPrivateKey == "" && key.EncryptedKeyPath == "" {
		return New(cfg, nil, logger)
	}

	keyHex, err := crypto.LoadKey(key)
	if err != nil {
		return nil, fmt.Errorf("reporter: load key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex)
	if err != nil {
		return nil, fmt.Errorf("reporter: %w", err)
	}
	return New(cfg, signer, logger)
}

// Address returns the signing address, or the empty string for a keyless
// client. Operators register this address with the aggregator.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// submitBody mirrors the feed API's report submission schema.
type submitBody struct {
	ReporterID string    `json:"reporter_id"`
	Value      string    `json:"value"`
	At         time.Time `json:"at"`
	Signature  string    `json:"signature,omitempty"` // hex
}

// Submit signs and posts one observation. The observation time is part of
// the signed digest, so the server sees exactly the timestamp that was
// signed. A non-2xx response is returned as an error carrying the server's
// reason.
func (c *Client) Submit(ctx context.Context, value decimal.Decimal, at time.Time) error {
	body := submitBody{
		ReporterID: c.cfg.ReporterID,
		Value:      value.String(),
		At:         at.UTC(),
	}

	if c.signer != nil {
		sig, err := c.signer.SignReport(domainReport(c.cfg.ReporterID, value, body.At))
		if err != nil {
			return fmt.Errorf("reporter: sign: %w", err)
		}
		body.Signature = hex.EncodeToString(sig)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("reporter: marshal report: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/feed/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("reporter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reporter: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.DebugContext(ctx, "report accepted",
			slog.String("value", value.String()),
		)
		return nil
	}

	return fmt.Errorf("reporter: submit rejected: status %d: %s",
		resp.StatusCode, responseReason(resp.Body))
}

// responseReason pulls the error message out of a JSON error body, falling
// back to the raw (bounded) body text.
func responseReason(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 1024))
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}

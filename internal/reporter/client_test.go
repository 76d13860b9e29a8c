package reporter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/domain"
)

const testKeyHex = "2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureServer records the last submission body and answers with the given
// status.
type captureServer struct {
	*httptest.Server
	body   submitBody
	header http.Header
}

func newCaptureServer(t *testing.T, status int, response string) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/feed/reports" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		cs.header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&cs.body); err != nil {
			t.Errorf("decode submission: %v", err)
		}
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func TestSubmitSignsReport(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, `{"status":"accepted"}`)

	signer, err := crypto.NewSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	client, err := New(Config{
		BaseURL:    srv.URL,
		ReporterID: "hospital-a",
		APIKey:     "public-token",
	}, signer, discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	at := time.Now().UTC()
	value := decimal.RequireFromString("83.25")
	if err := client.Submit(context.Background(), value, at); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if srv.body.ReporterID != "hospital-a" || srv.body.Value != "83.25" {
		t.Errorf("submitted body = %+v", srv.body)
	}
	if got := srv.header.Get("Authorization"); got != "Bearer public-token" {
		t.Errorf("authorization header = %q", got)
	}

	// The signature must verify against the client's address over exactly
	// the fields the server reconstructs.
	sig, err := hex.DecodeString(srv.body.Signature)
	if err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}
	report := domain.Report{
		ReporterID: srv.body.ReporterID,
		Value:      decimal.RequireFromString(srv.body.Value),
		At:         srv.body.At,
		Signature:  sig,
	}
	if err := crypto.NewVerifier().Verify(report, client.Address()); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSubmitKeylessOmitsSignature(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, `{"status":"accepted"}`)

	client, err := New(Config{BaseURL: srv.URL, ReporterID: "r1"}, nil, discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.Address(); got != "" {
		t.Errorf("keyless address = %q, want empty", got)
	}

	if err := client.Submit(context.Background(), decimal.NewFromInt(80), time.Now().UTC()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if srv.body.Signature != "" {
		t.Errorf("keyless submission carried signature %q", srv.body.Signature)
	}
}

func TestSubmitSurfacesRejectionReason(t *testing.T) {
	srv := newCaptureServer(t, http.StatusConflict, `{"error":"deviation exceeds reporter threshold"}`)

	client, err := New(Config{BaseURL: srv.URL, ReporterID: "r1"}, nil, discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.Submit(context.Background(), decimal.NewFromInt(80), time.Now().UTC())
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "status 409") || !strings.Contains(err.Error(), "deviation exceeds reporter threshold") {
		t.Errorf("error = %v, want status and server reason", err)
	}
}

func TestNewFromKeyEncryptedFile(t *testing.T) {
	blob, err := crypto.EncryptKey(testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "reporter.key")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write keyfile: %v", err)
	}

	client, err := NewFromKey(
		Config{BaseURL: "http://localhost:8000", ReporterID: "r1"},
		crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"},
		discard(),
	)
	if err != nil {
		t.Fatalf("new from key: %v", err)
	}

	signer, err := crypto.NewSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if client.Address() != signer.Address() {
		t.Errorf("address = %s, want %s", client.Address(), signer.Address())
	}

	// Wrong password fails before any network use.
	_, err = NewFromKey(
		Config{BaseURL: "http://localhost:8000", ReporterID: "r1"},
		crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"},
		discard(),
	)
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestNewRejectsMissingIdentity(t *testing.T) {
	if _, err := New(Config{ReporterID: "r1"}, nil, discard()); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := New(Config{BaseURL: "http://localhost:8000"}, nil, discard()); err == nil {
		t.Error("expected error for missing reporter ID")
	}
}

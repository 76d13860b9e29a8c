package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSender captures alerts and optionally fails.
type recordSender struct {
	name   string
	titles []string
	err    error
}

func (s *recordSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordSender) Name() string { return s.name }

func TestNotifierEventFilter(t *testing.T) {
	sender := &recordSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"liquidation"}, discard())

	ctx := context.Background()
	if err := n.Notify(ctx, "liquidation", "position liquidated", "acct-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(ctx, "funding_settled", "funding cycle", "ok"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(sender.titles) != 1 || sender.titles[0] != "position liquidated" {
		t.Errorf("delivered titles = %v, want only the subscribed event", sender.titles)
	}

	// NotifyAll bypasses the filter.
	if err := n.NotifyAll(ctx, "breaker tripped", "feed halted"); err != nil {
		t.Fatalf("notify all: %v", err)
	}
	if len(sender.titles) != 2 {
		t.Errorf("delivered %d alerts after NotifyAll, want 2", len(sender.titles))
	}
}

func TestNotifierEmptyFilterSubscribesAll(t *testing.T) {
	sender := &recordSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discard())

	for _, event := range []string{"liquidation", "breaker_tripped", "funding_settled"} {
		if err := n.Notify(context.Background(), event, event, ""); err != nil {
			t.Fatalf("notify %s: %v", event, err)
		}
	}
	if len(sender.titles) != 3 {
		t.Errorf("delivered %d alerts, want 3", len(sender.titles))
	}
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	failing := &recordSender{name: "broken", err: errors.New("webhook down")}
	working := &recordSender{name: "working"}
	n := NewNotifier([]Sender{failing, working}, nil, discard())

	err := n.NotifyAll(context.Background(), "alert", "body")
	if err == nil {
		t.Fatal("expected combined error from failing sender")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %v, want failing sender named", err)
	}
	if len(working.titles) != 1 {
		t.Error("working sender skipped after failure in another channel")
	}
}

func TestDiscordSenderPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	if err := sender.Send(context.Background(), "breaker tripped", "median moved 12%"); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := "**breaker tripped**\nmedian moved 12%"
	if got["content"] != want {
		t.Errorf("content = %q, want %q", got["content"], want)
	}
}

func TestDiscordSenderNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	err := sender.Send(context.Background(), "alert", "body")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status in message", err)
	}
}

// rewriteTransport redirects requests to a test server regardless of the
// request URL's host.
type rewriteTransport struct {
	target string
	path   string
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.path = req.URL.Path
	redirected := *req
	u := *req.URL
	u.Scheme = "http"
	u.Host = strings.TrimPrefix(rt.target, "http://")
	redirected.URL = &u
	return http.DefaultTransport.RoundTrip(&redirected)
}

func TestTelegramSenderPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	transport := &rewriteTransport{target: srv.URL}
	sender := NewTelegramSender("bot-token", "chat-42")
	sender.client = &http.Client{Transport: transport}

	if err := sender.Send(context.Background(), "liquidation", "acct-1 closed"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if transport.path != "/botbot-token/sendMessage" {
		t.Errorf("path = %q, want bot token in sendMessage path", transport.path)
	}
	if got["chat_id"] != "chat-42" {
		t.Errorf("chat_id = %q", got["chat_id"])
	}
	if got["text"] != "*liquidation*\nacct-1 closed" {
		t.Errorf("text = %q", got["text"])
	}
	if got["parse_mode"] != "Markdown" {
		t.Errorf("parse_mode = %q", got["parse_mode"])
	}
}

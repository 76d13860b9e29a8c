// Package notify turns engine outcome events (liquidations, breaker trips,
// funding settlements) into operator alerts. The Watcher consumes the signal
// bus; the Notifier fans each alert out to the configured channels, filtered
// by event type so operators subscribe only to what they act on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// senderTimeout bounds one delivery attempt. An unreachable webhook must not
// stall the watcher loop behind it.
const senderTimeout = 10 * time.Second

// Sender is one delivery channel for operator alerts.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to every configured Sender. It holds the set of
// subscribed event types; Notify drops events outside the set, NotifyAll
// bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // subscribed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only the
// listed event types pass the filter; an empty list subscribes to all of
// them.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert when its event type is subscribed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers the alert regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends the alert through every sender. One failing channel does
// not block the others; failures are collected into a combined error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// postJSON posts a JSON payload to a webhook-style endpoint and treats any
// non-2xx response as an error, capturing a bounded slice of the body for
// the log line.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}

	return nil
}

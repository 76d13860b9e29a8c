package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender posts engine alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: senderTimeout},
	}
}

// Send posts the alert to the webhook, title bolded in Discord markdown.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, payload)
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

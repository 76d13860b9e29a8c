package notify

import (
	"context"
	"fmt"
	"net/http"
)

// TelegramSender posts engine alerts to a Telegram chat via the Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: senderTimeout},
	}
}

// Send posts the alert through the sendMessage API, title bolded in
// Telegram markdown.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, t.client, t.Name(), url, payload)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

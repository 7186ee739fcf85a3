package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendTimeout = 10 * time.Second

// postJSON posts payload to url and treats any non-2xx status as an error.
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

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: sendTimeout}}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
}

func (d *DiscordSender) Name() string { return "discord" }

// TelegramSender posts through the Telegram Bot API sendMessage call.
type TelegramSender struct {
	apiURL string
	chatID string
	client *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiURL: fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token),
		chatID: chatID,
		client: &http.Client{Timeout: sendTimeout},
	}
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, t.client, t.Name(), t.apiURL, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }

// WebhookSender posts {"title","message"} to an arbitrary endpoint, or
// {"text"} when Slack-compatible formatting is requested.
type WebhookSender struct {
	url    string
	slack  bool
	client *http.Client
}

func NewWebhookSender(url string, slack bool) *WebhookSender {
	return &WebhookSender{url: url, slack: slack, client: &http.Client{Timeout: sendTimeout}}
}

func (w *WebhookSender) Send(ctx context.Context, title, message string) error {
	if w.slack {
		return postJSON(ctx, w.client, w.Name(), w.url, map[string]string{
			"text": fmt.Sprintf("*%s*\n%s", title, message),
		})
	}
	return postJSON(ctx, w.client, w.Name(), w.url, map[string]string{
		"title":   title,
		"message": message,
	})
}

func (w *WebhookSender) Name() string { return "webhook" }

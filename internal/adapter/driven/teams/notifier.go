// Package teams implements the ChatTransport port with a Microsoft Teams
// incoming webhook.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChatTransport = (*Notifier)(nil)

// Options configures a Notifier.
type Options struct {
	WebhookURL string

	// MaxRetries bounds resend attempts after the first failure.
	MaxRetries uint64
	// RetryInterval is the first backoff delay. Zero means 500ms.
	RetryInterval time.Duration

	HTTPClient *http.Client
}

// Notifier posts MessageCards to one Teams channel.
type Notifier struct {
	webhookURL string
	client     *http.Client
	opts       Options
}

// messageCard is the legacy connector card accepted by incoming webhooks.
type messageCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	ThemeColor string `json:"themeColor"`
	Summary    string `json:"summary"`
	Text       string `json:"text"`
}

// New creates a Notifier for the given webhook.
func New(opts Options) (*Notifier, error) {
	if opts.WebhookURL == "" {
		return nil, errors.New("teams webhook url is required")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Notifier{webhookURL: opts.WebhookURL, client: client, opts: opts}, nil
}

// Send posts msg as a MessageCard. Teams renders the Markdown body; 4xx
// responses other than 429 are not retried.
func (n *Notifier) Send(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: "1F75FE",
		Summary:    "Merge request ready for review",
		Text:       msg.Markdown,
	})
	if err != nil {
		return fmt.Errorf("encoding teams payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.opts.MaxRetries), ctx)

	if err := backoff.Retry(func() error { return n.post(ctx, payload) }, policy); err != nil {
		return fmt.Errorf("sending teams notification: %w", err)
	}

	slog.Debug("teams notification sent")
	return nil
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building teams request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("teams webhook request failed", "error", err)
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("teams webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	slog.Warn("teams webhook rejected notification", "status", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

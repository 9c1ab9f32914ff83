// Package telegram implements the ChatTransport port with a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/microcosm-cc/bluemonday"
	tele "gopkg.in/telebot.v4"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChatTransport = (*Transport)(nil)

const defaultAPIURL = "https://api.telegram.org"

// Options configures a Transport.
type Options struct {
	Token  string
	ChatID int64
	APIURL string // empty means the public Bot API

	// MaxRetries bounds resend attempts after the first failure.
	MaxRetries uint64
	// RetryInterval is the first backoff delay. Zero means 500ms.
	RetryInterval time.Duration

	HTTPClient *http.Client
}

// Transport posts messages to one Telegram chat.
type Transport struct {
	bot    *tele.Bot
	chat   *tele.Chat
	policy *bluemonday.Policy
	opts   Options
}

// New creates a Transport. The bot is created offline, so no request is made
// until the first Send.
func New(opts Options) (*Transport, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if opts.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     opts.APIURL,
		Token:   opts.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	return &Transport{
		bot:    bot,
		chat:   &tele.Chat{ID: opts.ChatID},
		policy: telegramPolicy(),
		opts:   opts,
	}, nil
}

// telegramPolicy keeps only the tags the Bot API accepts in HTML parse mode.
func telegramPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}

// Send posts msg in HTML parse mode, falling back to the plain text when there
// is no HTML body. Failed attempts are retried with exponential backoff.
func (t *Transport) Send(ctx context.Context, msg model.Message) error {
	text := msg.Text
	if text == "" {
		text = msg.Markdown
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: true}
	if msg.HTML != "" {
		text = t.policy.Sanitize(msg.HTML)
		sendOpt.ParseMode = tele.ModeHTML
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.opts.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		sent, err := t.bot.Send(t.chat, text, sendOpt)
		if err != nil {
			slog.Warn("telegram send failed", "chat_id", t.opts.ChatID, "attempt", attempt, "error", err)
			return err
		}
		slog.Debug("telegram message sent", "chat_id", t.opts.ChatID, "message_id", sent.ID)
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("sending telegram message to %d: %w", t.opts.ChatID, err)
	}

	return nil
}

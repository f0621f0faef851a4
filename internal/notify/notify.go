// Package notify delivers drip messages to users.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"

	"golang.org/x/time/rate"

	"bizdash/internal/model"
)

// ErrNoChannel is returned when the subject has nowhere to receive messages.
var ErrNoChannel = errors.New("notify: subject has no linked channel")

// Directory resolves a subject to its delivery addresses.
type Directory interface {
	Recipient(ctx context.Context, subjectID string) (*model.Recipient, error)
}

// Messenger sends plain text to a chat.
type Messenger interface {
	SendMessage(chatID int64, text string) error
}

// DefaultTemplates are the bodies for the onboarding steps, keyed by
// template name.
var DefaultTemplates = map[string]string{
	"welcome": `Welcome aboard, {{.Email}}!
Your dashboard is ready. Connect a webhook or a news feed under Integrations to get started.`,
	"day3-tip": `Tip: the dashboard can post a test event to your webhook. Try it from Integrations to make sure everything is wired up.`,
	"day7-upgrade": `You've been with us a week. Teams on the paid plan get longer history and more integrations. Reply /help for bot commands.`,
}

// Telegram delivers messages to a subject's linked Telegram chat.
type Telegram struct {
	dir       Directory
	messenger Messenger
	templates *template.Template
	limiter   *rate.Limiter
	log       *slog.Logger
}

// TelegramOption configures a Telegram sender.
type TelegramOption func(*Telegram)

// WithLimiter sets the outbound pacing.
func WithLimiter(l *rate.Limiter) TelegramOption {
	return func(t *Telegram) { t.limiter = l }
}

// NewTelegram parses templates and returns a sender. Telegram allows about
// 30 messages per second per bot; the default limiter stays under that.
func NewTelegram(dir Directory, messenger Messenger, templates map[string]string, log *slog.Logger, opts ...TelegramOption) (*Telegram, error) {
	tmpl, err := parseTemplates(templates)
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		dir:       dir,
		messenger: messenger,
		templates: tmpl,
		limiter:   rate.NewLimiter(rate.Limit(20), 5),
		log:       log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func parseTemplates(src map[string]string) (*template.Template, error) {
	root := template.New("notify").Option("missingkey=error")
	for name, body := range src {
		if _, err := root.New(name).Parse(body); err != nil {
			return nil, fmt.Errorf("parse template %q: %w", name, err)
		}
	}
	return root, nil
}

// Ready reports whether subjectID has a linked chat.
func (t *Telegram) Ready(ctx context.Context, subjectID string) (bool, error) {
	rcpt, err := t.dir.Recipient(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("resolve recipient: %w", err)
	}
	return rcpt.TelegramChatID != nil, nil
}

// Send renders the named template for subjectID and delivers it.
func (t *Telegram) Send(ctx context.Context, subjectID, name string) error {
	rcpt, err := t.dir.Recipient(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if rcpt.TelegramChatID == nil {
		return ErrNoChannel
	}

	text, err := render(t.templates, name, rcpt)
	if err != nil {
		return err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	if err := t.messenger.SendMessage(*rcpt.TelegramChatID, text); err != nil {
		return err
	}
	t.log.Debug("message delivered", "subject_id", subjectID, "template", name)
	return nil
}

func render(tmpl *template.Template, name string, rcpt *model.Recipient) (string, error) {
	if tmpl.Lookup(name) == nil {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, rcpt); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return buf.String(), nil
}

// Log is a sender that only writes the rendered message to the log. It is
// used when no bot token is configured.
type Log struct {
	dir       Directory
	templates *template.Template
	log       *slog.Logger
}

func NewLog(dir Directory, templates map[string]string, log *slog.Logger) (*Log, error) {
	tmpl, err := parseTemplates(templates)
	if err != nil {
		return nil, err
	}
	return &Log{dir: dir, templates: tmpl, log: log}, nil
}

func (l *Log) Send(ctx context.Context, subjectID, name string) error {
	rcpt, err := l.dir.Recipient(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	text, err := render(l.templates, name, rcpt)
	if err != nil {
		return err
	}
	l.log.Info("notification", "subject_id", subjectID, "email", rcpt.Email, "template", name, "text", text)
	return nil
}

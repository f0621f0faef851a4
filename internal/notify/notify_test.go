package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"bizdash/internal/drip"
	"bizdash/internal/model"
	"bizdash/internal/storage"
)

type mockDirectory struct {
	recipients map[string]*model.Recipient
}

func (m *mockDirectory) Recipient(_ context.Context, subjectID string) (*model.Recipient, error) {
	r, ok := m.recipients[subjectID]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

type sent struct {
	ChatID int64
	Text   string
}

type mockMessenger struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (m *mockMessenger) SendMessage(chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sent{ChatID: chatID, Text: text})
	return nil
}

func chat(id int64) *int64 { return &id }

func newDirectory() *mockDirectory {
	return &mockDirectory{recipients: map[string]*model.Recipient{
		"linked":   {SubjectID: "linked", Email: "a@example.com", TelegramChatID: chat(555)},
		"unlinked": {SubjectID: "unlinked", Email: "b@example.com"},
	}}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTelegramSend(t *testing.T) {
	msgr := &mockMessenger{}
	tg, err := NewTelegram(newDirectory(), msgr, map[string]string{"hi": "Hello {{.Email}}"}, discard(),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}

	if err := tg.Send(context.Background(), "linked", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []sent{{ChatID: 555, Text: "Hello a@example.com"}}
	if diff := cmp.Diff(want, msgr.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramReady(t *testing.T) {
	tg, err := NewTelegram(newDirectory(), &mockMessenger{}, DefaultTemplates, discard())
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	ctx := context.Background()

	for subject, want := range map[string]bool{"linked": true, "unlinked": false} {
		got, err := tg.Ready(ctx, subject)
		if err != nil {
			t.Fatalf("ready %s: %v", subject, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ready %s mismatch (-want +got):\n%s", subject, diff)
		}
	}
	if _, err := tg.Ready(ctx, "ghost"); err == nil {
		t.Error("expected error for unknown subject")
	}
}

func TestWelcomeDeliveredAfterLinking(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:", storage.WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	u := &model.User{TenantID: "acme", Email: "owner@acme.example"}
	if err := store.CreateUser(ctx, u, "secret-pw"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	msgr := &mockMessenger{}
	tg, err := NewTelegram(store, msgr, DefaultTemplates, discard(), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	d, err := drip.New(store, tg, drip.DefaultSteps, discard())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	// First dashboard render happens before the chat is linked.
	if diff := cmp.Diff(drip.Result{}, d.RunOnce(ctx, u.ID)); diff != "" {
		t.Errorf("unlinked result mismatch (-want +got):\n%s", diff)
	}
	_, records, err := store.DripState(ctx, u.ID)
	if err != nil {
		t.Fatalf("drip state: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("welcome claimed before link: %+v", records)
	}

	if _, err := store.LinkTelegram(ctx, u.LinkCode, 555); err != nil {
		t.Fatalf("link: %v", err)
	}
	if diff := cmp.Diff(drip.Result{Sent: 1}, d.RunOnce(ctx, u.ID)); diff != "" {
		t.Errorf("linked result mismatch (-want +got):\n%s", diff)
	}
	if len(msgr.sent) != 1 || msgr.sent[0].ChatID != 555 {
		t.Errorf("unexpected deliveries: %+v", msgr.sent)
	}
}

func TestTelegramSendErrors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		tmpl    string
		msgErr  error
		wantErr error
	}{
		{name: "unlinked", subject: "unlinked", tmpl: "welcome", wantErr: ErrNoChannel},
		{name: "unknown subject", subject: "ghost", tmpl: "welcome"},
		{name: "unknown template", subject: "linked", tmpl: "nope"},
		{name: "messenger fails", subject: "linked", tmpl: "welcome", msgErr: errors.New("blocked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgr := &mockMessenger{err: tt.msgErr}
			tg, err := NewTelegram(newDirectory(), msgr, DefaultTemplates, discard())
			if err != nil {
				t.Fatalf("new telegram: %v", err)
			}
			err = tg.Send(context.Background(), tt.subject, tt.tmpl)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(msgr.sent) != 0 {
				t.Errorf("unexpected delivery: %+v", msgr.sent)
			}
		})
	}
}

func TestTelegramSendHonorsContext(t *testing.T) {
	msgr := &mockMessenger{}
	// One token, already spent: the next Wait must block on ctx.
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	lim.Allow()
	tg, err := NewTelegram(newDirectory(), msgr, DefaultTemplates, discard(), WithLimiter(lim))
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Send(ctx, "linked", "welcome"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if len(msgr.sent) != 0 {
		t.Errorf("unexpected delivery: %+v", msgr.sent)
	}
}

func TestDefaultTemplatesRender(t *testing.T) {
	tmpl, err := parseTemplates(DefaultTemplates)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rcpt := &model.Recipient{SubjectID: "u", Email: "c@example.com"}
	for _, name := range []string{"welcome", "day3-tip", "day7-upgrade"} {
		text, err := render(tmpl, name, rcpt)
		if err != nil {
			t.Errorf("render %s: %v", name, err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			t.Errorf("template %s rendered empty", name)
		}
	}
}

func TestParseTemplatesRejectsBadSyntax(t *testing.T) {
	if _, err := parseTemplates(map[string]string{"bad": "{{.Email"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLog(newDirectory(), DefaultTemplates, slog.New(slog.NewTextHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	if err := l.Send(context.Background(), "unlinked", "welcome"); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"subject_id=unlinked", "template=welcome", "b@example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

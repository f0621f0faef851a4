package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"bizdash/internal/model"
	"bizdash/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// dummyHash is compared against when the email is unknown so that a missing
// account costs the same bcrypt work as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("bizdash-dummy-password"), bcrypt.DefaultCost)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db       *sql.DB
	hashCost int
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithHashCost overrides the bcrypt cost used for new password hashes.
func WithHashCost(cost int) Option {
	return func(s *SQLite) { s.hashCost = cost }
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writes serialize in SQLite anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{db: db, hashCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user with a bcrypt hash of password. ID, LinkCode
// and CreatedAt are populated when empty.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.LinkCode == "" {
		u.LinkCode = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Email = normalizeEmail(u.Email)
	created := u.CreatedAt.UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, password_hash, link_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		u.ID, u.TenantID, u.Email, string(hash), u.LinkCode, created,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrEmailTaken
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return nil
}

// Authenticate returns the user whose email and password match.
func (s *SQLite) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, telegram_chat_id, link_code, created_at, password_hash
		 FROM users WHERE email = ?`, normalizeEmail(email),
	)
	var hash string
	u, err := scanUser(row, &hash)
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// GetUser returns a single user by ID.
func (s *SQLite) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, telegram_chat_id, link_code, created_at
		 FROM users WHERE id = ?`, id,
	)
	return scanUser(row, nil)
}

// Recipient returns the delivery addresses of a subject.
func (s *SQLite) Recipient(ctx context.Context, subjectID string) (*model.Recipient, error) {
	u, err := s.GetUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &model.Recipient{
		SubjectID:      u.ID,
		Email:          u.Email,
		TelegramChatID: u.TelegramChatID,
	}, nil
}

// LinkTelegram attaches a Telegram chat to the user owning linkCode.
func (s *SQLite) LinkTelegram(ctx context.Context, linkCode string, chatID int64) (*model.User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET telegram_chat_id = ? WHERE link_code = ?`, chatID, linkCode,
	)
	if err != nil {
		return nil, fmt.Errorf("link telegram: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, telegram_chat_id, link_code, created_at
		 FROM users WHERE link_code = ?`, linkCode,
	)
	return scanUser(row, nil)
}

// UnlinkTelegram detaches chatID from every user it is linked to.
func (s *SQLite) UnlinkTelegram(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET telegram_chat_id = NULL WHERE telegram_chat_id = ?`, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("unlink telegram: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CreateSession issues a new opaque session token for userID.
func (s *SQLite) CreateSession(ctx context.Context, userID string, ttl time.Duration) (*model.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	created := now.Format(timeLayout)
	expires := now.Add(ttl).Format(timeLayout)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, created, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	sess := &model.Session{Token: token, UserID: userID}
	sess.CreatedAt, _ = time.Parse(timeLayout, created)
	sess.ExpiresAt, _ = time.Parse(timeLayout, expires)
	return sess, nil
}

// GetSession returns a session by token. Expired sessions are still returned;
// callers check Expired.
func (s *SQLite) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var sess model.Session
	var created, expires string
	var triggered int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, created_at, expires_at, drip_triggered FROM sessions WHERE token = ?`, token,
	).Scan(&sess.Token, &sess.UserID, &created, &expires, &triggered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(timeLayout, created)
	sess.ExpiresAt, _ = time.Parse(timeLayout, expires)
	sess.DripTriggered = triggered == 1
	return &sess, nil
}

// DeleteSession removes a session by token.
func (s *SQLite) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// MarkDripTriggered flips the session's drip flag and reports whether this
// call was the one that flipped it.
func (s *SQLite) MarkDripTriggered(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET drip_triggered = 1 WHERE token = ? AND drip_triggered = 0`, token,
	)
	if err != nil {
		return false, fmt.Errorf("mark drip triggered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *SQLite) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// DripState returns the subject's creation time and its drip records.
func (s *SQLite) DripState(ctx context.Context, subjectID string) (time.Time, []model.DripStepRecord, error) {
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM users WHERE id = ?`, subjectID,
	).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, ErrNotFound
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("query subject: %w", err)
	}
	createdAt, err := time.Parse(timeLayout, created)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("parse created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, step, sent_at FROM drip_records WHERE subject_id = ? ORDER BY sent_at, step`,
		subjectID,
	)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("query drip records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.DripStepRecord
	for rows.Next() {
		var r model.DripStepRecord
		var sent string
		if err := rows.Scan(&r.SubjectID, &r.Step, &sent); err != nil {
			return time.Time{}, nil, fmt.Errorf("scan drip record: %w", err)
		}
		r.SentAt, _ = time.Parse(timeLayout, sent)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, nil, fmt.Errorf("iterate drip records: %w", err)
	}
	return createdAt, records, nil
}

// RecordDripStep inserts rec unless a record for (SubjectID, Step) exists.
// It reports whether this call inserted the row.
func (s *SQLite) RecordDripStep(ctx context.Context, rec model.DripStepRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_records (subject_id, step, sent_at) VALUES (?, ?, ?)
		 ON CONFLICT (subject_id, step) DO NOTHING`,
		rec.SubjectID, rec.Step, rec.SentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert drip record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetIntegrations returns the tenant's integration URLs. A tenant that never
// configured any gets an empty value, not an error.
func (s *SQLite) GetIntegrations(ctx context.Context, tenantID string) (*model.Integrations, error) {
	in := model.Integrations{TenantID: tenantID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT webhook_url, feed_url, updated_at FROM integrations WHERE tenant_id = ?`, tenantID,
	).Scan(&in.WebhookURL, &in.FeedURL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &in, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan integrations: %w", err)
	}
	in.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &in, nil
}

// SetWebhookURL stores the tenant's webhook callback URL.
func (s *SQLite) SetWebhookURL(ctx context.Context, tenantID, url string) error {
	return s.upsertIntegration(ctx, "webhook_url", tenantID, url)
}

// SetFeedURL stores the tenant's news feed URL.
func (s *SQLite) SetFeedURL(ctx context.Context, tenantID, url string) error {
	return s.upsertIntegration(ctx, "feed_url", tenantID, url)
}

// column is one of a fixed set of identifiers, never user input.
func (s *SQLite) upsertIntegration(ctx context.Context, column, tenantID, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	query := fmt.Sprintf(
		`INSERT INTO integrations (tenant_id, %[1]s, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = excluded.updated_at`,
		column,
	)
	if _, err := s.db.ExecContext(ctx, query, tenantID, value, now); err != nil {
		return fmt.Errorf("upsert %s: %w", column, err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanUser scans the common user columns; when hash is non-nil the row must
// carry password_hash as its last column.
func scanUser(row scannable, hash *string) (*model.User, error) {
	var u model.User
	var chatID sql.NullInt64
	var created string
	dest := []any{&u.ID, &u.TenantID, &u.Email, &chatID, &u.LinkCode, &created}
	if hash != nil {
		dest = append(dest, hash)
	}
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if chatID.Valid {
		id := chatID.Int64
		u.TelegramChatID = &id
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

// Package model defines the domain types used across the application.
package model

import "time"

// User is a dashboard account belonging to a tenant. Users are the subjects
// of the onboarding drip sequence.
type User struct {
	ID             string
	TenantID       string
	Email          string
	TelegramChatID *int64
	LinkCode       string
	CreatedAt      time.Time
}

// Session is an authenticated browser session.
type Session struct {
	Token         string
	UserID        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DripTriggered bool
}

// Expired reports whether the session is past its expiry at t.
func (s *Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// DripStepRecord marks that a drip step was dispatched to a subject.
// At most one record exists per (SubjectID, Step).
type DripStepRecord struct {
	SubjectID string
	Step      string
	SentAt    time.Time
}

// Recipient is the delivery address book entry of a subject.
type Recipient struct {
	SubjectID      string
	Email          string
	TelegramChatID *int64
}

// Integrations holds the tenant-configured outbound URLs. Both are
// attacker-influenced and must pass the URL safety guard before any fetch.
type Integrations struct {
	TenantID   string
	WebhookURL string
	FeedURL    string
	UpdatedAt  time.Time
}

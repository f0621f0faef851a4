// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"bizdash/internal/model"
)

// Sentinel errors returned by Storage implementations.
var (
	ErrNotFound           = errors.New("not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context, u *model.User, password string) error
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	Recipient(ctx context.Context, subjectID string) (*model.Recipient, error)
	LinkTelegram(ctx context.Context, linkCode string, chatID int64) (*model.User, error)
	UnlinkTelegram(ctx context.Context, chatID int64) (bool, error)

	CreateSession(ctx context.Context, userID string, ttl time.Duration) (*model.Session, error)
	GetSession(ctx context.Context, token string) (*model.Session, error)
	DeleteSession(ctx context.Context, token string) error
	MarkDripTriggered(ctx context.Context, token string) (bool, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	DripState(ctx context.Context, subjectID string) (time.Time, []model.DripStepRecord, error)
	RecordDripStep(ctx context.Context, rec model.DripStepRecord) (bool, error)

	GetIntegrations(ctx context.Context, tenantID string) (*model.Integrations, error)
	SetWebhookURL(ctx context.Context, tenantID, url string) error
	SetFeedURL(ctx context.Context, tenantID, url string) error

	Close() error
}

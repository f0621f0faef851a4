package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bizdash/internal/model"
	"bizdash/internal/storage"
	"bizdash/internal/urlguard"
)

const minPasswordLength = 8

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Email          string    `json:"email"`
	TelegramLinked bool      `json:"telegram_linked"`
	LinkCode       string    `json:"link_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toUserResponse(u *model.User, withLinkCode bool) userResponse {
	out := userResponse{
		ID:             u.ID,
		TenantID:       u.TenantID,
		Email:          u.Email,
		TelegramLinked: u.TelegramChatID != nil,
		CreatedAt:      u.CreatedAt,
	}
	if withLinkCode {
		out.LinkCode = u.LinkCode
	}
	return out
}

func (c credentials) validate() string {
	email := strings.TrimSpace(c.Email)
	if email == "" || !strings.Contains(email, "@") {
		return "a valid email is required"
	}
	if len(c.Password) < minPasswordLength {
		return "password must be at least 8 characters"
	}
	return ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	// Each registration opens a new workspace.
	u := &model.User{TenantID: uuid.NewString(), Email: req.Email}
	err := s.store.CreateUser(r.Context(), u, req.Password)
	if errors.Is(err, storage.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		s.internalError(w, r, "create user", err)
		return
	}

	s.log.Info("user registered", "user_id", u.ID, "tenant_id", u.TenantID)
	s.startSession(w, r, u, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, storage.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		s.internalError(w, r, "authenticate", err)
		return
	}

	s.startSession(w, r, u, http.StatusOK)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u *model.User, status int) {
	sess, err := s.store.CreateSession(r.Context(), u.ID, s.sessionTTL)
	if err != nil {
		s.internalError(w, r, "create session", err)
		return
	}
	setSessionCookie(w, r, sess)
	writeJSON(w, status, sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      toUserResponse(u, false),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a := authFrom(r.Context())
	if err := s.store.DeleteSession(r.Context(), a.session.Token); err != nil {
		s.internalError(w, r, "delete session", err)
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type integrationsResponse struct {
	WebhookURL string `json:"webhook_url"`
	FeedURL    string `json:"feed_url"`
}

type dashboardResponse struct {
	User         userResponse         `json:"user"`
	Integrations integrationsResponse `json:"integrations"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	a := authFrom(r.Context())
	ctx := r.Context()

	integ, err := s.store.GetIntegrations(ctx, a.user.TenantID)
	if err != nil {
		s.internalError(w, r, "load integrations", err)
		return
	}

	first, err := s.store.MarkDripTriggered(ctx, a.session.Token)
	if err != nil {
		s.log.Error("mark drip triggered", "user_id", a.user.ID, "error", err)
	} else if first {
		s.gate.TriggerDrip(ctx, a.user.ID)
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		User: toUserResponse(a.user, true),
		Integrations: integrationsResponse{
			WebhookURL: integ.WebhookURL,
			FeedURL:    integ.FeedURL,
		},
	})
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	s.setIntegrationURL(w, r, "webhook", s.store.SetWebhookURL)
}

func (s *Server) handleSetFeed(w http.ResponseWriter, r *http.Request) {
	s.setIntegrationURL(w, r, "feed", s.store.SetFeedURL)
}

func (s *Server) setIntegrationURL(w http.ResponseWriter, r *http.Request, kind string, set func(ctx context.Context, tenantID, url string) error) {
	a := authFrom(r.Context())

	var req urlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw := strings.TrimSpace(req.URL)

	// An empty URL clears the integration.
	if raw != "" {
		if c := urlguard.Classify(raw); !c.Safe {
			s.log.Warn("integration url rejected",
				"kind", kind,
				"tenant_id", a.user.TenantID,
				"reason", c.Reason,
			)
			writeError(w, http.StatusUnprocessableEntity, urlguard.ErrUnsafeTarget.Error())
			return
		}
	}

	if err := set(r.Context(), a.user.TenantID, raw); err != nil {
		s.internalError(w, r, "save "+kind+" url", err)
		return
	}
	writeJSON(w, http.StatusOK, urlRequest{URL: raw})
}

func (s *Server) handleReadFeed(w http.ResponseWriter, r *http.Request) {
	a := authFrom(r.Context())

	integ, err := s.store.GetIntegrations(r.Context(), a.user.TenantID)
	if err != nil {
		s.internalError(w, r, "load integrations", err)
		return
	}
	if integ.FeedURL == "" {
		writeError(w, http.StatusNotFound, "no news feed configured")
		return
	}

	feed, err := s.fetcher.FetchFeed(r.Context(), integ.FeedURL)
	if errors.Is(err, urlguard.ErrUnsafeTarget) {
		writeError(w, http.StatusUnprocessableEntity, urlguard.ErrUnsafeTarget.Error())
		return
	}
	if err != nil {
		s.log.Warn("fetch feed", "tenant_id", a.user.TenantID, "error", err)
		writeError(w, http.StatusBadGateway, "could not load news feed")
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

type webhookTestPayload struct {
	Event    string    `json:"event"`
	TenantID string    `json:"tenant_id"`
	SentAt   time.Time `json:"sent_at"`
}

type webhookTestResponse struct {
	Status int `json:"status"`
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	a := authFrom(r.Context())

	integ, err := s.store.GetIntegrations(r.Context(), a.user.TenantID)
	if err != nil {
		s.internalError(w, r, "load integrations", err)
		return
	}
	if integ.WebhookURL == "" {
		writeError(w, http.StatusNotFound, "no webhook configured")
		return
	}

	status, err := s.fetcher.PostJSON(r.Context(), integ.WebhookURL, webhookTestPayload{
		Event:    "test",
		TenantID: a.user.TenantID,
		SentAt:   s.now().UTC(),
	})
	if errors.Is(err, urlguard.ErrUnsafeTarget) {
		writeError(w, http.StatusUnprocessableEntity, urlguard.ErrUnsafeTarget.Error())
		return
	}
	if err != nil {
		s.log.Warn("webhook test", "tenant_id", a.user.TenantID, "error", err)
		writeError(w, http.StatusBadGateway, "webhook did not respond")
		return
	}
	writeJSON(w, http.StatusOK, webhookTestResponse{Status: status})
}

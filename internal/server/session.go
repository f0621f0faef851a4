package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bizdash/internal/model"
	"bizdash/internal/storage"
)

type ctxKey struct{}

var sessionKey ctxKey

type authContext struct {
	session *model.Session
	user    *model.User
}

func withAuth(ctx context.Context, a *authContext) context.Context {
	return context.WithValue(ctx, sessionKey, a)
}

func authFrom(ctx context.Context) *authContext {
	a, _ := ctx.Value(sessionKey).(*authContext)
	return a
}

// userKey keys per-user throttling on the authenticated user.
func userKey(r *http.Request) string {
	if a := authFrom(r.Context()); a != nil {
		return a.user.ID
	}
	return "anonymous"
}

const sessionCookie = "bizdash_session"

// sessionToken reads the session cookie, falling back to a bearer token.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ctx := r.Context()
		sess, err := s.store.GetSession(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err != nil {
			s.internalError(w, r, "load session", err)
			return
		}
		if sess.Expired(s.now()) {
			if err := s.store.DeleteSession(ctx, token); err != nil {
				s.log.Warn("delete expired session", "error", err)
			}
			clearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}

		user, err := s.store.GetUser(ctx, sess.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err != nil {
			s.internalError(w, r, "load user", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withAuth(ctx, &authContext{session: sess, user: user})))
	})
}

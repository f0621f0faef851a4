// Package server exposes the dashboard HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bizdash/internal/fetcher"
	"bizdash/internal/gate"
	"bizdash/internal/storage"
)

// WebhookTestPolicy limits outbound webhook tests per user.
var WebhookTestPolicy = gate.Policy{Prefix: "webhook:", Window: time.Minute, Max: 5}

// Fetcher performs guarded outbound requests.
type Fetcher interface {
	FetchFeed(ctx context.Context, url string) (*fetcher.Feed, error)
	PostJSON(ctx context.Context, url string, payload any) (int, error)
}

// Options configures New.
type Options struct {
	Store       storage.Storage
	Gate        *gate.Gate
	Fetcher     Fetcher
	Log         *slog.Logger
	SessionTTL  time.Duration
	CORSOrigins []string
	// AuthPolicy overrides gate.AuthPolicy.
	AuthPolicy *gate.Policy
}

// Server holds the handler dependencies.
type Server struct {
	store       storage.Storage
	gate        *gate.Gate
	fetcher     Fetcher
	log         *slog.Logger
	sessionTTL  time.Duration
	corsOrigins []string
	authPolicy  gate.Policy
	now         func() time.Time
}

func New(opts Options) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	policy := gate.AuthPolicy
	if opts.AuthPolicy != nil {
		policy = *opts.AuthPolicy
	}
	return &Server{
		store:       opts.Store,
		gate:        opts.Gate,
		fetcher:     opts.Fetcher,
		log:         opts.Log,
		sessionTTL:  opts.SessionTTL,
		corsOrigins: opts.CORSOrigins,
		authPolicy:  policy,
		now:         time.Now,
	}
}

// Router builds the chi router with all middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.With(s.gate.Throttle(s.authPolicy)).Post("/register", s.handleRegister)
		r.With(s.gate.Throttle(s.authPolicy)).Post("/login", s.handleLogin)
		r.With(s.requireSession).Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/dashboard", s.handleDashboard)
		r.Put("/integrations/webhook", s.handleSetWebhook)
		r.Put("/integrations/feed", s.handleSetFeed)
		r.Get("/integrations/feed", s.handleReadFeed)

		webhookPolicy := WebhookTestPolicy
		webhookPolicy.KeyFn = userKey
		r.With(s.gate.Throttle(webhookPolicy)).Post("/integrations/webhook/test", s.handleTestWebhook)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

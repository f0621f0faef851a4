package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Options configures Middleware.
type Options struct {
	Store  Store
	KeyFn  KeyFunc
	Prefix string
	Window time.Duration
	Max    int
	// FailClosed rejects requests with 503 when the store errors. The default
	// is to let them through.
	FailClosed bool
	Log        *slog.Logger
}

type limitedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware limits requests by Prefix + KeyFn(r). Limited requests get 429
// with a Retry-After header in whole seconds.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = ClientIP(nil)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.Prefix + opts.KeyFn(r)

			dec, err := opts.Store.Check(r.Context(), key, opts.Window, opts.Max)
			if err != nil {
				opts.Log.Error("rate limit check failed",
					"key", key,
					"fail_closed", opts.FailClosed,
					"error", err,
				)
				if opts.FailClosed {
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if dec.Limited {
				opts.Log.Warn("request throttled",
					"key", key,
					"path", r.URL.Path,
					"retry_after", dec.RetryAfter,
				)
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(limitedBody{
					Error:      "too many requests, try again later",
					RetryAfter: dec.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

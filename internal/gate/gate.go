// Package gate composes the request-boundary defenses: per-identity
// throttling on sensitive routes and fire-and-forget drip dispatch.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bizdash/internal/drip"
	"bizdash/internal/ratelimit"
)

// Dispatcher runs the drip sequence for one subject.
type Dispatcher interface {
	RunOnce(ctx context.Context, subjectID string) drip.Result
}

// Policy is one throttling rule.
type Policy struct {
	Prefix string
	Window time.Duration
	Max    int
	// KeyFn overrides the gate's client identity for this policy.
	KeyFn ratelimit.KeyFunc
}

// AuthPolicy guards the login and registration endpoints.
var AuthPolicy = Policy{Prefix: "auth:", Window: 15 * time.Minute, Max: 10}

// Gate holds the shared limiter and dispatcher.
type Gate struct {
	store      ratelimit.Store
	keyFn      ratelimit.KeyFunc
	failClosed bool
	dispatcher Dispatcher
	log        *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Options configures New.
type Options struct {
	Store      ratelimit.Store
	KeyFn      ratelimit.KeyFunc
	FailClosed bool
	Dispatcher Dispatcher
	Log        *slog.Logger
}

func New(opts Options) *Gate {
	if opts.KeyFn == nil {
		opts.KeyFn = ratelimit.ClientIP(nil)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Gate{
		store:      opts.Store,
		keyFn:      opts.KeyFn,
		failClosed: opts.FailClosed,
		dispatcher: opts.Dispatcher,
		log:        opts.Log,
	}
}

// Throttle returns middleware enforcing p.
func (g *Gate) Throttle(p Policy) func(http.Handler) http.Handler {
	keyFn := p.KeyFn
	if keyFn == nil {
		keyFn = g.keyFn
	}
	return ratelimit.Middleware(ratelimit.Options{
		Store:      g.store,
		KeyFn:      keyFn,
		Prefix:     p.Prefix,
		Window:     p.Window,
		Max:        p.Max,
		FailClosed: g.failClosed,
		Log:        g.log,
	})
}

// TriggerDrip starts a drip dispatch for subjectID in the background and
// returns immediately. The dispatch outlives ctx's cancellation.
func (g *Gate) TriggerDrip(ctx context.Context, subjectID string) {
	if g.dispatcher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.log.Warn("drip trigger after shutdown ignored", "subject_id", subjectID)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("drip trigger panicked", "subject_id", subjectID, "panic", r)
			}
		}()
		res := g.dispatcher.RunOnce(ctx, subjectID)
		g.log.Debug("drip triggered", "subject_id", subjectID, "sent", res.Sent)
	}()
}

// Wait stops accepting new dispatches and blocks until the running ones
// finish or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

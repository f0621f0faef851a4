package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bizdash/internal/bot"
	"bizdash/internal/config"
	"bizdash/internal/drip"
	"bizdash/internal/fetcher"
	"bizdash/internal/gate"
	"bizdash/internal/notify"
	"bizdash/internal/ratelimit"
	"bizdash/internal/scheduler"
	"bizdash/internal/server"
	"bizdash/internal/storage"
	"bizdash/internal/urlguard"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	sched := scheduler.New(log)
	sched.Add("session-purge", 10*time.Minute, func(ctx context.Context) error {
		n, err := store.DeleteExpiredSessions(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("expired sessions purged", "count", n)
		}
		return nil
	})

	limiter, closeLimiter, err := newLimiter(ctx, cfg, sched, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	trusted, err := ratelimit.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	var (
		sender drip.Sender
		tgBot  *bot.Bot
	)
	if cfg.TelegramBotToken != "" {
		tgBot, err = bot.New(cfg.TelegramBotToken, store, log)
		if err != nil {
			return err
		}
		sender, err = notify.NewTelegram(store, tgBot, notify.DefaultTemplates, log)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, drip messages go to the log")
		sender, err = notify.NewLog(store, notify.DefaultTemplates, log)
	}
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	dispatcher, err := drip.New(store, sender, drip.DefaultSteps, log)
	if err != nil {
		return fmt.Errorf("create drip dispatcher: %w", err)
	}

	g := gate.New(gate.Options{
		Store:      limiter,
		KeyFn:      ratelimit.ClientIP(trusted),
		FailClosed: cfg.RateLimitFailClosed,
		Dispatcher: dispatcher,
		Log:        log,
	})

	if tgBot != nil {
		// Steps held back for an unlinked chat become deliverable on link.
		tgBot.OnLinked(g.TriggerDrip)
	}

	authPolicy := gate.AuthPolicy
	authPolicy.Window = cfg.AuthRateWindow
	authPolicy.Max = cfg.AuthRateMax

	srv := server.New(server.Options{
		Store:       store,
		Gate:        g,
		Fetcher:     fetcher.New(urlguard.NewClient(urlguard.ClientOptions{Timeout: cfg.FetchTimeout}), log),
		Log:         log,
		SessionTTL:  cfg.SessionTTL,
		CORSOrigins: cfg.CORSAllowedOrigins,
		AuthPolicy:  &authPolicy,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go sched.Run(ctx)
	if tgBot != nil {
		go tgBot.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := g.Wait(shutdownCtx); err != nil {
		log.Warn("drip dispatches still running at shutdown", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// newLimiter picks the shared Redis store when configured, otherwise an
// in-process store swept by the scheduler.
func newLimiter(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, log *slog.Logger) (ratelimit.Store, func(), error) {
	if cfg.RedisURL == "" {
		mem := ratelimit.NewMemoryStore()
		sched.Add("ratelimit-sweep", time.Minute, func(context.Context) error {
			if n := mem.Sweep(); n > 0 {
				log.Debug("rate limit buckets swept", "count", n)
			}
			return nil
		})
		return mem, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("using redis rate limiter", "addr", opts.Addr)

	return ratelimit.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr       string
	DatabasePath     string
	LogLevel         string
	TelegramBotToken string
	RedisURL         string
	TrustedProxies   []string

	AuthRateWindow      time.Duration
	AuthRateMax         int
	RateLimitFailClosed bool

	SessionTTL         time.Duration
	CORSAllowedOrigins []string
	FetchTimeout       time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory, if present, is applied first without overriding
// variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:         getString("LISTEN_ADDR", ":8080"),
		DatabasePath:       getString("DATABASE_PATH", "./data/bizdash.db"),
		LogLevel:           getString("LOG_LEVEL", "info"),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		RedisURL:           os.Getenv("REDIS_URL"),
		TrustedProxies:     getList("TRUSTED_PROXIES"),
		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS"),
	}

	var err error
	if cfg.AuthRateWindow, err = getDuration("AUTH_RATE_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthRateMax, err = getPositiveInt("AUTH_RATE_MAX", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitFailClosed, err = getBool("RATE_LIMIT_FAIL_CLOSED", false); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getDuration("FETCH_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func getPositiveInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

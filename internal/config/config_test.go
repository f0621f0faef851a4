package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var envKeys = []string{
	"LISTEN_ADDR", "DATABASE_PATH", "LOG_LEVEL", "TELEGRAM_BOT_TOKEN", "REDIS_URL",
	"TRUSTED_PROXIES", "AUTH_RATE_WINDOW", "AUTH_RATE_MAX", "RATE_LIMIT_FAIL_CLOSED",
	"SESSION_TTL", "CORS_ALLOWED_ORIGINS", "FETCH_TIMEOUT",
}

func defaults() *Config {
	return &Config{
		ListenAddr:     ":8080",
		DatabasePath:   "./data/bizdash.db",
		LogLevel:       "info",
		AuthRateWindow: 15 * time.Minute,
		AuthRateMax:    10,
		SessionTTL:     24 * time.Hour,
		FetchTimeout:   15 * time.Second,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func(c *Config)
		wantErr string
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: func(*Config) {},
		},
		{
			name: "all values set",
			env: map[string]string{
				"LISTEN_ADDR":            "127.0.0.1:9000",
				"DATABASE_PATH":          "/tmp/bizdash.db",
				"LOG_LEVEL":              "debug",
				"TELEGRAM_BOT_TOKEN":     "tok",
				"REDIS_URL":              "redis://localhost:6379/0",
				"TRUSTED_PROXIES":        "10.0.0.0/8, 192.168.1.1",
				"AUTH_RATE_WINDOW":       "5m",
				"AUTH_RATE_MAX":          "3",
				"RATE_LIMIT_FAIL_CLOSED": "true",
				"SESSION_TTL":            "2h",
				"CORS_ALLOWED_ORIGINS":   "https://app.example.com,https://admin.example.com",
				"FETCH_TIMEOUT":          "3s",
			},
			want: func(c *Config) {
				c.ListenAddr = "127.0.0.1:9000"
				c.DatabasePath = "/tmp/bizdash.db"
				c.LogLevel = "debug"
				c.TelegramBotToken = "tok"
				c.RedisURL = "redis://localhost:6379/0"
				c.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1"}
				c.AuthRateWindow = 5 * time.Minute
				c.AuthRateMax = 3
				c.RateLimitFailClosed = true
				c.SessionTTL = 2 * time.Hour
				c.CORSAllowedOrigins = []string{"https://app.example.com", "https://admin.example.com"}
				c.FetchTimeout = 3 * time.Second
			},
		},
		{
			name: "lists skip blanks",
			env:  map[string]string{"TRUSTED_PROXIES": " 10.0.0.1 , , "},
			want: func(c *Config) { c.TrustedProxies = []string{"10.0.0.1"} },
		},
		{name: "bad window", env: map[string]string{"AUTH_RATE_WINDOW": "soon"}, wantErr: "AUTH_RATE_WINDOW"},
		{name: "zero window", env: map[string]string{"AUTH_RATE_WINDOW": "0s"}, wantErr: "AUTH_RATE_WINDOW"},
		{name: "bad max", env: map[string]string{"AUTH_RATE_MAX": "ten"}, wantErr: "AUTH_RATE_MAX"},
		{name: "negative max", env: map[string]string{"AUTH_RATE_MAX": "-1"}, wantErr: "AUTH_RATE_MAX"},
		{name: "bad bool", env: map[string]string{"RATE_LIMIT_FAIL_CLOSED": "sometimes"}, wantErr: "RATE_LIMIT_FAIL_CLOSED"},
		{name: "bad ttl", env: map[string]string{"SESSION_TTL": "1 day"}, wantErr: "SESSION_TTL"},
		{name: "bad fetch timeout", env: map[string]string{"FETCH_TIMEOUT": "-2s"}, wantErr: "FETCH_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not name %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := defaults()
			tt.want(want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
	// godotenv only fills variables that are unset.
	_ = os.Unsetenv("LOG_LEVEL")
	_ = os.Unsetenv("AUTH_RATE_MAX")
	t.Setenv("LISTEN_ADDR", ":7000")

	dir := t.TempDir()
	env := "LOG_LEVEL=warn\nAUTH_RATE_MAX=4\nLISTEN_ADDR=:1111\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)
	t.Cleanup(func() {
		_ = os.Unsetenv("LOG_LEVEL")
		_ = os.Unsetenv("AUTH_RATE_MAX")
	})

	got, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := defaults()
	want.LogLevel = "warn"
	want.AuthRateMax = 4
	want.ListenAddr = ":7000"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

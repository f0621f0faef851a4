package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowSource string

var fixedWindowScript = redis.NewScript(fixedWindowSource)

// RedisStore is a fixed-window Store shared by every instance pointing at the
// same Redis. The read, increment and expiry run in one Lua script so a key
// is never double-counted.
type RedisStore struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix namespaces every counter key.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisStore) { r.prefix = prefix }
}

func NewRedisStore(client redis.Scripter, opts ...RedisOption) *RedisStore {
	r := &RedisStore{client: client, prefix: "ratelimit:", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check admits or limits one request for key.
func (r *RedisStore) Check(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	if err := validate(window, max); err != nil {
		return Decision{}, err
	}

	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, errors.New("ratelimit script: unexpected reply")
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	d := Decision{
		Limited: res[0] == 1,
		Count:   int(res[1]),
		Limit:   max,
		ResetAt: r.now().Add(ttl),
	}
	if d.Limited {
		d.RetryAfter = retryAfterSeconds(ttl)
	}
	return d, nil
}

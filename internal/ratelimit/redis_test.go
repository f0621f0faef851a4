package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreFixedWindow(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("it-%d", time.Now().UnixNano())
	s := NewRedisStore(client, WithPrefix("test:ratelimit:"))
	t.Cleanup(func() { client.Del(context.Background(), "test:ratelimit:"+key) })

	for i := 1; i <= 3; i++ {
		d, err := s.Check(ctx, key, time.Minute, 3)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if d.Limited || d.Count != i {
			t.Fatalf("check %d: got %+v", i, d)
		}
	}

	d, err := s.Check(ctx, key, time.Minute, 3)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Limited {
		t.Fatal("expected fourth call to be limited")
	}
	if d.RetryAfter < 1 || d.RetryAfter > 60 {
		t.Errorf("retry after out of range: %d", d.RetryAfter)
	}
}

func TestRedisStoreSharedAcrossInstances(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("shared-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), "test:ratelimit:"+key) })

	a := NewRedisStore(client, WithPrefix("test:ratelimit:"))
	b := NewRedisStore(client, WithPrefix("test:ratelimit:"))

	if _, err := a.Check(ctx, key, time.Minute, 1); err != nil {
		t.Fatal(err)
	}
	d, err := b.Check(ctx, key, time.Minute, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Limited {
		t.Error("second instance should see the first instance's admission")
	}
}

func TestRedisStoreInvalidLimit(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	if _, err := s.Check(context.Background(), "k", 0, 1); err != ErrInvalidLimit {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}

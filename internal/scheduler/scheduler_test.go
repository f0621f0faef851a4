package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type counter struct {
	mu   sync.Mutex
	runs map[string]int
}

func newCounter() *counter { return &counter{runs: make(map[string]int)} }

func (c *counter) job(name string, err error) JobFunc {
	return func(context.Context) error {
		c.mu.Lock()
		c.runs[name]++
		c.mu.Unlock()
		return err
	}
}

func (c *counter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.runs))
	for k, v := range c.runs {
		out[k] = v
	}
	return out
}

func newTestScheduler(now *time.Time) *Scheduler {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return *now }
	return s
}

func TestSchedulerRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := newCounter()

	s := newTestScheduler(&now)
	s.Add("ratelimit-sweep", time.Minute, c.job("ratelimit-sweep", nil))
	s.Add("session-purge", 10*time.Minute, c.job("session-purge", nil))

	// First pass runs everything.
	s.runDue(ctx)
	want := map[string]int{"ratelimit-sweep": 1, "session-purge": 1}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("after first pass (-want +got):\n%s", diff)
	}

	now = now.Add(30 * time.Second)
	s.runDue(ctx)
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("nothing should be due yet (-want +got):\n%s", diff)
	}

	for range 10 {
		now = now.Add(time.Minute)
		s.runDue(ctx)
	}
	want = map[string]int{"ratelimit-sweep": 11, "session-purge": 2}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("after ten minutes (-want +got):\n%s", diff)
	}
}

func TestSchedulerSurvivesFailingJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := newCounter()

	s := newTestScheduler(&now)
	s.Add("broken", time.Minute, c.job("broken", errors.New("db locked")))
	s.Add("panics", time.Minute, func(context.Context) error { panic("boom") })
	s.Add("healthy", time.Minute, c.job("healthy", nil))

	s.runDue(ctx)

	want := map[string]int{"broken": 1, "healthy": 1}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	c := newCounter()
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetTickInterval(10 * time.Millisecond)
	s.Add("fast", time.Millisecond, c.job("fast", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.snapshot()["fast"] < 3 {
		select {
		case <-deadline:
			t.Fatal("job did not run repeatedly")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

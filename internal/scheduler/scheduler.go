package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// JobFunc is one unit of periodic maintenance.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	every   time.Duration
	fn      JobFunc
	lastRun time.Time
}

// Scheduler runs maintenance jobs when they become due.
type Scheduler struct {
	jobs []*job
	log  *slog.Logger
	tick time.Duration
	now  func() time.Time
}

// New creates a Scheduler with a 1-minute tick.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		log:  log,
		tick: 1 * time.Minute,
		now:  time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Add registers fn to run every interval. It must be called before Run.
func (s *Scheduler) Add(name string, every time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, &job{name: name, every: every, fn: fn})
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.every {
			continue
		}
		j.lastRun = now
		s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", j.name, "panic", r)
		}
	}()

	start := s.now()
	if err := j.fn(ctx); err != nil {
		s.log.Error("job failed", "job", j.name, "error", err)
		return
	}
	s.log.Debug("job finished", "job", j.name, "took", s.now().Sub(start))
}

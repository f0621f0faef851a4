// Package drip sends a subject a fixed sequence of time-delayed messages, at
// most one per step, however many times or from however many places RunOnce
// is called.
package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"bizdash/internal/model"
)

// Step is one message in the sequence, eligible After the subject was
// created.
type Step struct {
	ID       string
	After    time.Duration
	Template string
}

// Result reports whether this call sent a message.
type Result struct {
	Sent int
}

// Store persists which steps a subject has received. RecordDripStep must be
// a conditional insert that reports false when the (subject, step) pair
// already exists.
type Store interface {
	DripState(ctx context.Context, subjectID string) (createdAt time.Time, records []model.DripStepRecord, err error)
	RecordDripStep(ctx context.Context, rec model.DripStepRecord) (inserted bool, err error)
}

// Sender delivers one rendered step to a subject.
type Sender interface {
	Send(ctx context.Context, subjectID, template string) error
}

// Readier is implemented by senders that can only deliver to some subjects,
// e.g. those with a linked chat. A step is not claimed while Ready reports
// false, so it stays due until the subject becomes reachable.
type Readier interface {
	Ready(ctx context.Context, subjectID string) (bool, error)
}

// DefaultSteps is the onboarding sequence.
var DefaultSteps = []Step{
	{ID: "welcome", After: 0, Template: "welcome"},
	{ID: "day3-tip", After: 72 * time.Hour, Template: "day3-tip"},
	{ID: "day7-upgrade", After: 168 * time.Hour, Template: "day7-upgrade"},
}

var errInvalidSteps = errors.New("drip: invalid step sequence")

type Dispatcher struct {
	store  Store
	sender Sender
	steps  []Step
	log    *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(store Store, sender Sender, steps []Step, log *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if store == nil || sender == nil {
		return nil, errors.New("drip: store and sender are required")
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		store:  store,
		sender: sender,
		steps:  append([]Step(nil), steps...),
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", errInvalidSteps)
	}
	seen := make(map[string]bool, len(steps))
	var prev time.Duration
	for i, s := range steps {
		switch {
		case s.ID == "":
			return fmt.Errorf("%w: step %d has no id", errInvalidSteps, i)
		case seen[s.ID]:
			return fmt.Errorf("%w: duplicate step %q", errInvalidSteps, s.ID)
		case s.Template == "":
			return fmt.Errorf("%w: step %q has no template", errInvalidSteps, s.ID)
		case s.After < 0:
			return fmt.Errorf("%w: step %q has negative delay", errInvalidSteps, s.ID)
		case s.After < prev:
			return fmt.Errorf("%w: step %q is earlier than the step before it", errInvalidSteps, s.ID)
		}
		seen[s.ID] = true
		prev = s.After
	}
	return nil
}

// RunOnce sends the next due step for subjectID, if any. Concurrent calls for
// the same subject share one execution; only the caller that executed it can
// see Sent 1. Failures are logged and reported as Sent 0.
func (d *Dispatcher) RunOnce(ctx context.Context, subjectID string) Result {
	executed := false
	v, _, _ := d.group.Do(subjectID, func() (any, error) {
		executed = true
		return d.run(ctx, subjectID), nil
	})
	if !executed {
		return Result{}
	}
	return v.(Result)
}

func (d *Dispatcher) run(ctx context.Context, subjectID string) (res Result) {
	log := d.log.With("subject_id", subjectID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("drip dispatch panicked", "panic", r)
			res = Result{}
		}
	}()

	createdAt, records, err := d.store.DripState(ctx, subjectID)
	if err != nil {
		log.Error("failed to load drip state", "error", err)
		return Result{}
	}

	step, ok := d.next(records)
	if !ok {
		return Result{}
	}
	now := d.now()
	if now.Sub(createdAt) < step.After {
		return Result{}
	}

	if r, ok := d.sender.(Readier); ok {
		ready, err := r.Ready(ctx, subjectID)
		if err != nil {
			log.Error("failed to check drip recipient", "step", step.ID, "error", err)
			return Result{}
		}
		if !ready {
			log.Debug("drip recipient not reachable yet", "step", step.ID)
			return Result{}
		}
	}

	inserted, err := d.store.RecordDripStep(ctx, model.DripStepRecord{
		SubjectID: subjectID,
		Step:      step.ID,
		SentAt:    now.UTC(),
	})
	if err != nil {
		log.Error("failed to record drip step", "step", step.ID, "error", err)
		return Result{}
	}
	if !inserted {
		log.Debug("drip step already claimed", "step", step.ID)
		return Result{}
	}

	if err := d.sender.Send(ctx, subjectID, step.Template); err != nil {
		log.Error("drip step recorded but not delivered", "step", step.ID, "error", err)
		return Result{}
	}

	log.Info("drip step sent", "step", step.ID)
	return Result{Sent: 1}
}

// next returns the first step without a record.
func (d *Dispatcher) next(records []model.DripStepRecord) (Step, bool) {
	done := make(map[string]bool, len(records))
	for _, r := range records {
		done[r.Step] = true
	}
	for _, s := range d.steps {
		if !done[s.ID] {
			return s, true
		}
	}
	return Step{}, false
}

// Package tasks runs periodic jobs from a single cooperative loop.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultIdle is how long Run sleeps when no task is due.
const DefaultIdle = time.Millisecond

// Func is a periodic job. now is the loop time.
type Func func(now time.Duration) error

// Task is a registered job.
type Task struct {
	Name     string
	Interval time.Duration
	fn       Func
	next     time.Duration
	runs     int
	errors   int
}

// Runs returns how often the task ran.
func (t *Task) Runs() int { return t.runs }

// Errors returns how often the task failed.
func (t *Task) Errors() int { return t.errors }

// SetInterval changes the period. It takes effect after the next run.
func (t *Task) SetInterval(d time.Duration) { t.Interval = d }

// Loop runs due tasks in registration order. It is not safe for concurrent use.
type Loop struct {
	tasks []*Task
	clock func() time.Duration
	sleep func(time.Duration)
	idle  time.Duration
	log   *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the time source and sleep function.
func WithClock(now func() time.Duration, sleep func(time.Duration)) Option {
	return func(l *Loop) {
		l.clock = now
		l.sleep = sleep
	}
}

// WithIdle sets the sleep between idle steps.
func WithIdle(d time.Duration) Option {
	return func(l *Loop) { l.idle = d }
}

// New creates an empty loop.
func New(log *zap.Logger, opts ...Option) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()
	l := &Loop{
		clock: func() time.Duration { return time.Since(start) },
		sleep: time.Sleep,
		idle:  DefaultIdle,
		log:   log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add registers fn to run every interval, starting with the next step. An interval of
// zero runs fn on every step.
func (l *Loop) Add(name string, interval time.Duration, fn Func) *Task {
	t := &Task{Name: name, Interval: interval, fn: fn, next: l.clock()}
	l.tasks = append(l.tasks, t)
	return t
}

// Step runs every due task once and returns how many ran. Task errors are logged and do
// not stop the loop.
func (l *Loop) Step() int {
	ran := 0
	for _, t := range l.tasks {
		now := l.clock()
		if now < t.next {
			continue
		}
		if err := t.fn(now); err != nil {
			t.errors++
			l.log.Warn("task failed", zap.String("task", t.Name), zap.Error(err))
		}
		t.runs++
		ran++
		// Skip missed periods instead of bursting to catch up.
		t.next += t.Interval
		if t.next <= now {
			t.next = now + t.Interval
		}
	}
	return ran
}

// Run steps until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if l.Step() == 0 {
			l.sleep(l.idle)
		}
	}
}

package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Duration }

func (c *fakeClock) Now() time.Duration      { return c.now }
func (c *fakeClock) Sleep(d time.Duration)   { c.now += d }
func (c *fakeClock) Advance(d time.Duration) { c.now += d }

func TestStepRunsDueTasks(t *testing.T) {
	clock := &fakeClock{}
	l := New(nil, WithClock(clock.Now, clock.Sleep))

	var order []string
	fast := l.Add("fast", 10*time.Millisecond, func(time.Duration) error {
		order = append(order, "fast")
		return nil
	})
	slow := l.Add("slow", 25*time.Millisecond, func(time.Duration) error {
		order = append(order, "slow")
		return nil
	})

	assert.Equal(t, 2, l.Step())
	assert.Equal(t, 0, l.Step())

	for range 30 {
		clock.Advance(time.Millisecond)
		l.Step()
	}
	assert.Equal(t, 4, fast.Runs())
	assert.Equal(t, 2, slow.Runs())
	assert.Equal(t, []string{"fast", "slow", "fast", "fast", "slow", "fast"}, order)
}

func TestStepSkipsMissedPeriods(t *testing.T) {
	clock := &fakeClock{}
	l := New(nil, WithClock(clock.Now, clock.Sleep))
	task := l.Add("t", 10*time.Millisecond, func(time.Duration) error { return nil })

	assert.Equal(t, 1, l.Step())
	clock.Advance(55 * time.Millisecond)
	assert.Equal(t, 1, l.Step())
	assert.Equal(t, 0, l.Step())
	assert.Equal(t, 2, task.Runs())

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, l.Step())
	assert.Equal(t, 3, task.Runs())
}

func TestStepCountsErrors(t *testing.T) {
	clock := &fakeClock{}
	l := New(nil, WithClock(clock.Now, clock.Sleep))
	task := l.Add("failing", 0, func(time.Duration) error { return errors.New("boom") })

	l.Step()
	l.Step()
	assert.Equal(t, 2, task.Runs())
	assert.Equal(t, 2, task.Errors())
}

func TestSetInterval(t *testing.T) {
	clock := &fakeClock{}
	l := New(nil, WithClock(clock.Now, clock.Sleep))
	task := l.Add("t", time.Second, func(time.Duration) error { return nil })
	task.SetInterval(time.Millisecond)

	l.Step()
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, l.Step())
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{}
	ctx, cancel := context.WithCancel(context.Background())
	l := New(nil, WithClock(clock.Now, clock.Sleep), WithIdle(time.Millisecond))

	l.Add("stop", 5*time.Millisecond, func(now time.Duration) error {
		if now >= 20*time.Millisecond {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, 20*time.Millisecond, clock.Now())
}

// Package clock supplies the engine's notion of time: a Clock to read it and
// cancellable scheduled tasks owned by whichever component created them.
// Tests substitute Fake to drive virtual time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reads the current time and schedules one-shot callbacks.
// Now always returns UTC without a monotonic reading.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type system struct{}

// System returns the wall clock.
func System() Clock { return system{} }

func (system) Now() time.Time { return time.Now().UTC() }

func (system) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Task runs fn every interval until stopped. The first run happens one
// interval after Every returns.
type Task struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	fn       func()
	timer    Timer
	stopped  bool
}

// Every schedules fn on c at a fixed interval.
func Every(c Clock, interval time.Duration, fn func()) *Task {
	t := &Task{clock: c, interval: interval, fn: fn}
	t.mu.Lock()
	t.timer = c.AfterFunc(interval, t.fire)
	t.mu.Unlock()
	return t
}

func (t *Task) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.timer = t.clock.AfterFunc(t.interval, t.fire)
	}
}

// Stop cancels future runs. It is safe to call from within fn and more
// than once. A nil Task is a no-op.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

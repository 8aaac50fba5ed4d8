// Package timeout detects idle sessions. A Monitor polls the time of the
// last activity and moves from Active to Warning to Expired; Expired is
// terminal.
package timeout

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/clock"
)

const (
	DefaultWarnAfter    = 25 * time.Minute
	DefaultExpireAfter  = 30 * time.Minute
	DefaultPollInterval = 60 * time.Second
)

// Status is the monitor's position in the idle lifecycle.
type Status int

const (
	Active Status = iota
	Warning
	Expired
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Monitor tracks idle time for one session. Expiry is detected at the
// first poll after the threshold, so it may lag by up to one interval.
type Monitor struct {
	clock        clock.Clock
	lastActivity func() time.Time
	warnAfter    time.Duration
	expireAfter  time.Duration
	interval     time.Duration
	onWarning    func(remaining time.Duration)
	onExpire     func()

	mu     sync.Mutex
	status Status
	task   *clock.Task
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds sets the idle durations that trigger the warning and expiry.
func WithThresholds(warnAfter, expireAfter time.Duration) Option {
	return func(m *Monitor) {
		m.warnAfter = warnAfter
		m.expireAfter = expireAfter
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// OnWarning is called once each time the monitor enters Warning.
func OnWarning(fn func(remaining time.Duration)) Option {
	return func(m *Monitor) { m.onWarning = fn }
}

// OnExpire is called once when the monitor expires.
func OnExpire(fn func()) Option {
	return func(m *Monitor) { m.onExpire = fn }
}

// New returns a stopped Monitor. lastActivity is read on every check and
// must not call back into the monitor.
func New(c clock.Clock, lastActivity func() time.Time, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		clock:        c,
		lastActivity: lastActivity,
		warnAfter:    DefaultWarnAfter,
		expireAfter:  DefaultExpireAfter,
		interval:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.warnAfter <= 0 || m.expireAfter <= m.warnAfter {
		return nil, fmt.Errorf("timeout: warning threshold %s must be positive and below expiry %s", m.warnAfter, m.expireAfter)
	}
	return m, nil
}

// Start begins polling. It has no effect on an expired or running monitor.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Expired || m.task != nil {
		return
	}
	m.task = clock.Every(m.clock, m.interval, func() { m.Check(m.clock.Now()) })
}

// Stop cancels polling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()
	task.Stop()
}

// Status returns the current status without re-evaluating it.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Touch re-evaluates the status after new activity, returning a warned
// session to Active.
func (m *Monitor) Touch() Status {
	return m.Check(m.clock.Now())
}

// Check evaluates idle time at now and fires callbacks on transitions.
func (m *Monitor) Check(now time.Time) Status {
	idle := now.Sub(m.lastActivity())

	m.mu.Lock()
	if m.status == Expired {
		m.mu.Unlock()
		return Expired
	}
	prev := m.status
	switch {
	case idle >= m.expireAfter:
		m.status = Expired
	case idle >= m.warnAfter:
		m.status = Warning
	default:
		m.status = Active
	}
	status := m.status
	var task *clock.Task
	if status == Expired {
		task, m.task = m.task, nil
	}
	onWarning, onExpire := m.onWarning, m.onExpire
	m.mu.Unlock()

	task.Stop()
	if status == Warning && prev != Warning && onWarning != nil {
		onWarning(m.expireAfter - idle)
	}
	if status == Expired && onExpire != nil {
		onExpire()
	}
	return status
}

// Remaining returns how long until expiry at now, never negative.
func (m *Monitor) Remaining(now time.Time) time.Duration {
	r := m.expireAfter - now.Sub(m.lastActivity())
	if r < 0 {
		return 0
	}
	return r
}

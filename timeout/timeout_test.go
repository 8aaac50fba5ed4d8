package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/clock"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type activity struct {
	mu   sync.Mutex
	last time.Time
}

func (a *activity) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *activity) set(t time.Time) {
	a.mu.Lock()
	a.last = t
	a.mu.Unlock()
}

type events struct {
	mu       sync.Mutex
	warnings []time.Duration
	expired  int
}

func (e *events) options() []Option {
	return []Option{
		OnWarning(func(r time.Duration) {
			e.mu.Lock()
			e.warnings = append(e.warnings, r)
			e.mu.Unlock()
		}),
		OnExpire(func() {
			e.mu.Lock()
			e.expired++
			e.mu.Unlock()
		}),
	}
}

func (e *events) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.warnings), e.expired
}

func TestCheckThresholds(t *testing.T) {
	tests := []struct {
		idle time.Duration
		want Status
	}{
		{0, Active},
		{DefaultWarnAfter - time.Nanosecond, Active},
		{DefaultWarnAfter, Warning},
		{DefaultExpireAfter - time.Nanosecond, Warning},
		{DefaultExpireAfter, Expired},
		{2 * time.Hour, Expired},
	}
	for _, tt := range tests {
		t.Run(tt.idle.String(), func(t *testing.T) {
			m, err := New(clock.NewFake(t0), func() time.Time { return t0 })
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Check(t0.Add(tt.idle)))
		})
	}
}

func TestPollingFiresWarningOnceThenExpires(t *testing.T) {
	fc := clock.NewFake(t0)
	act := &activity{last: t0}
	ev := &events{}
	m, err := New(fc, act.get, ev.options()...)
	require.NoError(t, err)
	m.Start()
	defer m.Stop()

	fc.Advance(25 * time.Minute)
	w, x := ev.counts()
	assert.Equal(t, 1, w)
	assert.Equal(t, 0, x)
	assert.Equal(t, Warning, m.Status())
	assert.Equal(t, 5*time.Minute, ev.warnings[0])

	fc.Advance(4 * time.Minute)
	w, _ = ev.counts()
	assert.Equal(t, 1, w, "warning fires once per idle period")

	fc.Advance(time.Minute)
	_, x = ev.counts()
	assert.Equal(t, 1, x)
	assert.Equal(t, Expired, m.Status())
	assert.Zero(t, fc.Pending(), "polling stops at expiry")

	act.set(fc.Now())
	assert.Equal(t, Expired, m.Touch(), "expiry is terminal")
	m.Start()
	assert.Zero(t, fc.Pending())
	_, x = ev.counts()
	assert.Equal(t, 1, x)
}

func TestActivityDuringWarningReturnsToActive(t *testing.T) {
	fc := clock.NewFake(t0)
	act := &activity{last: t0}
	ev := &events{}
	m, err := New(fc, act.get, ev.options()...)
	require.NoError(t, err)
	m.Start()
	defer m.Stop()

	fc.Advance(26 * time.Minute)
	assert.Equal(t, Warning, m.Status())

	act.set(fc.Now())
	assert.Equal(t, Active, m.Touch())

	fc.Advance(26 * time.Minute)
	w, x := ev.counts()
	assert.Equal(t, 2, w, "a new idle period warns again")
	assert.Zero(t, x)
}

func TestExpiryLagsByAtMostOnePoll(t *testing.T) {
	fc := clock.NewFake(t0)
	// Activity 30s after the monitor started puts expiry between polls.
	act := &activity{last: t0.Add(30 * time.Second)}
	ev := &events{}
	m, err := New(fc, act.get, ev.options()...)
	require.NoError(t, err)
	m.Start()
	defer m.Stop()

	fc.Advance(30 * time.Minute)
	_, x := ev.counts()
	assert.Zero(t, x)
	fc.Advance(DefaultPollInterval)
	_, x = ev.counts()
	assert.Equal(t, 1, x)
}

func TestRemaining(t *testing.T) {
	m, err := New(clock.NewFake(t0), func() time.Time { return t0 })
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, m.Remaining(t0))
	assert.Equal(t, 4*time.Minute, m.Remaining(t0.Add(26*time.Minute)))
	assert.Zero(t, m.Remaining(t0.Add(time.Hour)))
}

func TestInvalidThresholds(t *testing.T) {
	_, err := New(clock.NewFake(t0), time.Now, WithThresholds(10*time.Minute, 5*time.Minute))
	require.Error(t, err)
	_, err = New(clock.NewFake(t0), time.Now, WithThresholds(0, 5*time.Minute))
	require.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "expired", Expired.String())
}

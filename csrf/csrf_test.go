package csrf

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/fault"
	"github.com/jmcleod/ironsession/telemetry"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// source reads from crypto/rand until failures are queued, and can be told
// to repeat a fixed block.
type source struct {
	mu     sync.Mutex
	fail   int
	repeat []byte
}

func (s *source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return 0, errors.New("entropy unavailable")
	}
	if s.repeat != nil {
		return copy(p, s.repeat), nil
	}
	return rand.Read(p)
}

func (s *source) failNext(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

func newManager(t *testing.T, opts ...Option) (*Manager, *clock.Fake, *source) {
	t.Helper()
	fc := clock.NewFake(t0)
	src := &source{}
	m := New(append([]Option{WithClock(fc), WithRandom(src)}, opts...)...)
	t.Cleanup(m.Stop)
	return m, fc, src
}

func TestInitIssuesToken(t *testing.T) {
	m, _, _ := newManager(t)
	_, ok := m.Current()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Validate("anything"), ErrNotInitialized)

	tok, err := m.Init()
	require.NoError(t, err)
	assert.Len(t, tok.Token, 43, "32 bytes base64url without padding")
	assert.Equal(t, t0, tok.Timestamp)
	assert.Zero(t, tok.RotationCount)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, tok, cur)
}

func TestRotationOnInterval(t *testing.T) {
	m, fc, _ := newManager(t)
	first, err := m.Init()
	require.NoError(t, err)

	fc.Advance(DefaultRotationInterval - time.Second)
	cur, _ := m.Current()
	assert.Equal(t, first, cur)

	fc.Advance(time.Second)
	cur, _ = m.Current()
	assert.NotEqual(t, first.Token, cur.Token)
	assert.Equal(t, 1, cur.RotationCount)
	assert.Equal(t, t0.Add(DefaultRotationInterval), cur.Timestamp)

	fc.Advance(DefaultRotationInterval)
	next, _ := m.Current()
	assert.Equal(t, 2, next.RotationCount)
}

func TestValidate(t *testing.T) {
	m, _, _ := newManager(t)
	first, err := m.Init()
	require.NoError(t, err)

	require.NoError(t, m.Validate(first.Token))
	assert.ErrorIs(t, m.Validate(""), ErrTokenMissing)
	assert.ErrorIs(t, m.Validate(first.Token+"x"), ErrTokenMismatch)

	_, err = m.Rotate()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Validate(first.Token), ErrTokenMismatch, "previous token is not accepted")
}

func TestRotationLimitReinitializes(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	m, _, _ := newManager(t, WithMaxRotations(5), WithTelemetry(logger), WithIdentity("sess-1", "tab-a"))
	_, err := m.Init()
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 1; i < 5; i++ {
		tok, err := m.Rotate()
		require.NoError(t, err)
		assert.Equal(t, i, tok.RotationCount)
		assert.False(t, seen[tok.Token])
		seen[tok.Token] = true
	}
	tok, err := m.Rotate()
	require.NoError(t, err)
	assert.Zero(t, tok.RotationCount)
	assert.False(t, seen[tok.Token])
	assert.Contains(t, buf.String(), `"event":"token_rotation_limit"`)
	assert.Contains(t, buf.String(), `"session_id":"sess-1"`)
}

func TestDefaultCeiling(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Init()
	require.NoError(t, err)
	var tok Token
	for i := 1; i < DefaultMaxRotations; i++ {
		tok, err = m.Rotate()
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultMaxRotations-1, tok.RotationCount)
	tok, err = m.Rotate()
	require.NoError(t, err)
	assert.Zero(t, tok.RotationCount)
}

func TestRandomFailureFallsBackToReinit(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	m, _, src := newManager(t, WithTelemetry(logger))
	first, err := m.Init()
	require.NoError(t, err)
	_, err = m.Rotate()
	require.NoError(t, err)

	src.failNext(1)
	tok, err := m.Rotate()
	require.NoError(t, err)
	assert.Zero(t, tok.RotationCount)
	assert.NotEqual(t, first.Token, tok.Token)
	assert.Contains(t, buf.String(), `"event":"token_reinit"`)
}

func TestReinitFailureKeepsToken(t *testing.T) {
	m, _, src := newManager(t)
	_, err := m.Init()
	require.NoError(t, err)
	before, err := m.Rotate()
	require.NoError(t, err)

	src.failNext(2)
	tok, err := m.Rotate()
	require.Error(t, err)
	assert.Equal(t, fault.TokenRotation, fault.KindOf(err))
	assert.Equal(t, before, tok)
	require.NoError(t, m.Validate(before.Token))
}

func TestRepeatedDrawsAreRejected(t *testing.T) {
	m, _, src := newManager(t)
	src.repeat = bytes.Repeat([]byte{7}, TokenBytes)
	first, err := m.Init()
	require.NoError(t, err)

	// Every draw repeats the only token of the cycle, and so does the
	// reinit draw; the cycle is restarted with the same value since it is
	// the only one the source can produce.
	tok, err := m.Rotate()
	require.NoError(t, err)
	assert.Equal(t, first.Token, tok.Token)
	assert.Zero(t, tok.RotationCount)
}

func TestInitFailure(t *testing.T) {
	m := New(WithRandom(io.LimitReader(rand.Reader, 0)))
	_, err := m.Init()
	require.Error(t, err)
	assert.Equal(t, fault.TokenRotation, fault.KindOf(err))
	_, ok := m.Current()
	assert.False(t, ok)
	_, err = m.Rotate()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestOnChange(t *testing.T) {
	var got []Token
	m, fc, _ := newManager(t, OnChange(func(tok Token) { got = append(got, tok) }))
	_, err := m.Init()
	require.NoError(t, err)
	fc.Advance(2 * DefaultRotationInterval)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[2].RotationCount)
}

func TestStopHaltsRotation(t *testing.T) {
	m, fc, _ := newManager(t)
	first, err := m.Init()
	require.NoError(t, err)
	m.Stop()
	fc.Advance(time.Hour)
	cur, _ := m.Current()
	assert.Equal(t, first, cur)
	assert.Zero(t, fc.Pending())
}

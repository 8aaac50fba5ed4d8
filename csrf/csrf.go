// Package csrf issues and rotates the anti-forgery token of a session.
// Exactly one token is current; rotation runs on its own timer regardless
// of user activity and validation accepts only the current token.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/clock"
	"github.com/jmcleod/ironsession/fault"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/telemetry"
)

const (
	// TokenBytes is the amount of randomness in a token.
	TokenBytes = 32
	// HeaderName carries the token on state-changing requests.
	HeaderName = "X-CSRF-Token"
	// FormField carries the token on form submissions.
	FormField = "csrf_token"

	DefaultRotationInterval = 15 * time.Minute
	DefaultMaxRotations     = 100

	// maxDraws bounds retries when a draw repeats a token of the cycle.
	maxDraws = 3
)

var (
	ErrTokenMissing   = errors.New("csrf token missing")
	ErrTokenMismatch  = errors.New("csrf token mismatch")
	ErrNotInitialized = errors.New("csrf manager not initialized")
)

// Token is the current anti-forgery token.
type Token struct {
	Token         string    `json:"token"`
	Timestamp     time.Time `json:"timestamp"`
	RotationCount int       `json:"rotation_count"`
}

// Manager owns the token of one session in one tab.
type Manager struct {
	clock        clock.Clock
	random       io.Reader
	interval     time.Duration
	maxRotations int
	log          *telemetry.Logger
	sessionID    string
	tabID        string
	onChange     func(Token)

	mu      sync.Mutex
	current Token
	cycle   map[string]struct{}
	task    *clock.Task
	ready   bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRandom replaces crypto/rand as the token source.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

func WithRotationInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxRotations sets the rotation count that forces reinitialization.
func WithMaxRotations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRotations = n
		}
	}
}

func WithTelemetry(l *telemetry.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithIdentity labels incidents with the owning session and tab.
func WithIdentity(sessionID, tabID string) Option {
	return func(m *Manager) {
		m.sessionID = sessionID
		m.tabID = tabID
	}
}

// OnChange is called with every newly issued token, outside the manager's
// lock.
func OnChange(fn func(Token)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// New returns an uninitialized Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:        clock.System(),
		random:       rand.Reader,
		interval:     DefaultRotationInterval,
		maxRotations: DefaultMaxRotations,
		log:          telemetry.NewLogger(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init issues the first token and starts rotation. Calling it again
// starts a new cycle.
func (m *Manager) Init() (Token, error) {
	m.mu.Lock()
	tok, err := m.reinitLocked()
	if err != nil {
		m.mu.Unlock()
		return Token{}, fault.Wrap(err, fault.TokenRotation, "token_init")
	}
	m.ready = true
	if m.task == nil {
		m.task = clock.Every(m.clock, m.interval, m.rotateOnTimer)
	}
	m.mu.Unlock()

	m.notify(tok)
	return tok, nil
}

// Stop cancels rotation. The current token stays valid.
func (m *Manager) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()
	task.Stop()
}

// Current returns the current token.
func (m *Manager) Current() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.ready
}

// Validate compares token with the current one in constant time. The
// previous token is not accepted.
func (m *Manager) Validate(token string) error {
	if token == "" {
		return ErrTokenMissing
	}
	m.mu.Lock()
	current, ready := m.current.Token, m.ready
	m.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// Rotate replaces the current token. Reaching the rotation ceiling or
// failing to draw a fresh token reinitializes the cycle; if that fails as
// well the error is returned and the current token is kept.
func (m *Manager) Rotate() (Token, error) {
	ctx := context.Background()
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return Token{}, ErrNotInitialized
	}

	next := m.current.RotationCount + 1
	if next >= m.maxRotations {
		tok, err := m.reinitLocked()
		m.mu.Unlock()
		if err != nil {
			err = fault.Wrap(err, fault.TokenRotation, "reinit_failed")
			m.incident(ctx, telemetry.EventTokenReinit, err)
			return m.keep(err)
		}
		m.incident(ctx, telemetry.EventTokenRotationLimit, nil, slog.Int("rotations", next))
		m.notify(tok)
		return tok, nil
	}

	value, err := m.drawFresh()
	if err != nil {
		cause := fault.Wrap(err, fault.TokenRotation, "rotation_failed")
		tok, rerr := m.reinitLocked()
		m.mu.Unlock()
		if rerr != nil {
			rerr = fault.Wrap(errors.Join(err, rerr), fault.TokenRotation, "reinit_failed")
			m.incident(ctx, telemetry.EventTokenReinit, rerr)
			return m.keep(rerr)
		}
		m.incident(ctx, telemetry.EventTokenReinit, cause)
		m.notify(tok)
		return tok, nil
	}

	m.current = Token{Token: value, Timestamp: m.clock.Now(), RotationCount: next}
	m.cycle[value] = struct{}{}
	tok := m.current
	m.mu.Unlock()

	m.notify(tok)
	return tok, nil
}

func (m *Manager) keep(err error) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, err
}

func (m *Manager) rotateOnTimer() {
	// Errors are logged by Rotate.
	_, _ = m.Rotate()
}

// reinitLocked starts a new cycle. On failure nothing changes.
func (m *Manager) reinitLocked() (Token, error) {
	value, err := m.draw()
	if err != nil {
		return Token{}, err
	}
	m.current = Token{Token: value, Timestamp: m.clock.Now()}
	m.cycle = map[string]struct{}{value: {}}
	return m.current, nil
}

// drawFresh draws a token not yet used in the current cycle.
func (m *Manager) drawFresh() (string, error) {
	for range maxDraws {
		value, err := m.draw()
		if err != nil {
			return "", err
		}
		if _, seen := m.cycle[value]; !seen {
			return value, nil
		}
	}
	return "", fmt.Errorf("random source repeated a token %d times", maxDraws)
}

func (m *Manager) draw() (string, error) {
	return util.RandomToken(m.random, TokenBytes)
}

func (m *Manager) notify(tok Token) {
	if m.onChange != nil {
		m.onChange(tok)
	}
}

func (m *Manager) incident(ctx context.Context, event telemetry.Event, err error, attrs ...slog.Attr) {
	m.log.Log(ctx, telemetry.Incident{
		Event:     event,
		SessionID: m.sessionID,
		TabID:     m.tabID,
		Timestamp: m.clock.Now(),
		Err:       err,
		Attrs:     attrs,
	})
}

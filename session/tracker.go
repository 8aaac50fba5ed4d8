package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/ironsession/clock"
)

// ErrUnclassifiable is returned for signals of unknown kind or missing the
// fields their kind requires.
var ErrUnclassifiable = errors.New("unclassifiable signal")

type SignalKind string

const (
	SignalPointer           SignalKind = "pointer"
	SignalKey               SignalKind = "key"
	SignalScroll            SignalKind = "scroll"
	SignalTouch             SignalKind = "touch"
	SignalRequest           SignalKind = "request"
	SignalRouteChange       SignalKind = "route_change"
	SignalVisibilityHidden  SignalKind = "visibility_hidden"
	SignalVisibilityVisible SignalKind = "visibility_visible"
	SignalAuthSuccess       SignalKind = "auth_success"
	SignalAuthFailure       SignalKind = "auth_failure"
)

// Signal is a raw event reported by the UI, router or network layer.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	At        time.Time  `json:"at,omitempty"`
	Method    string     `json:"method,omitempty"`
	URL       string     `json:"url,omitempty"`
	Route     string     `json:"route,omitempty"`
	Component string     `json:"component,omitempty"`
	Provider  string     `json:"provider,omitempty"`
}

// Classify maps sig to an activity. It has no side effects.
func Classify(sig Signal) (Activity, error) {
	if sig.At.IsZero() {
		return Activity{}, fmt.Errorf("%w: %s without timestamp", ErrUnclassifiable, sig.Kind)
	}
	a := Activity{Timestamp: sig.At.UTC()}
	if sig.Route != "" || sig.Component != "" {
		a.Metadata = &ActivityMeta{Route: sig.Route, Component: sig.Component}
	}

	switch sig.Kind {
	case SignalPointer, SignalKey, SignalScroll, SignalTouch:
		a.Type = ActivityInteraction
		a.Details = string(sig.Kind)
	case SignalVisibilityVisible:
		a.Type = ActivityInteraction
		a.Details = "visible"
	case SignalVisibilityHidden:
		a.Type = ActivityIdle
		a.Details = "hidden"
	case SignalRequest:
		path, err := requestPath(sig.URL)
		if sig.Method == "" || err != nil {
			return Activity{}, fmt.Errorf("%w: request needs method and url", ErrUnclassifiable)
		}
		a.Type = ActivityAPICall
		a.Details = strings.ToUpper(sig.Method) + " " + path
	case SignalRouteChange:
		if sig.Route == "" {
			return Activity{}, fmt.Errorf("%w: route_change needs route", ErrUnclassifiable)
		}
		a.Type = ActivityNavigation
		a.Details = sig.Route
	case SignalAuthSuccess, SignalAuthFailure:
		a.Type = ActivityAuthentication
		a.Details = strings.TrimPrefix(string(sig.Kind), "auth_")
		if sig.Provider != "" {
			a.Details += ":" + sig.Provider
		}
	default:
		return Activity{}, fmt.Errorf("%w: unknown kind %q", ErrUnclassifiable, sig.Kind)
	}
	a.Details = NormalizeDetails(a.Details)
	return a, nil
}

func requestPath(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// DefaultThrottle is the minimum spacing between two activities of the same
// high-frequency kind.
const DefaultThrottle = time.Second

var throttledKinds = map[SignalKind]bool{
	SignalPointer: true,
	SignalScroll:  true,
	SignalTouch:   true,
}

// Tracker classifies signals and thins out floods of pointer, scroll and
// touch events. Rate limits are evaluated against the tracker's clock.
type Tracker struct {
	clock  clock.Clock
	logger *slog.Logger
	every  time.Duration
	burst  int

	mu       sync.Mutex
	limiters map[SignalKind]*rate.Limiter
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithThrottle allows burst events of each high-frequency kind, refilled
// once per every. A zero every disables throttling.
func WithThrottle(every time.Duration, burst int) TrackerOption {
	return func(t *Tracker) {
		t.every = every
		t.burst = burst
	}
}

// WithTrackerLogger sets the logger for dropped signals.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker returns a Tracker reading time from c.
func NewTracker(c clock.Clock, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		clock:    c,
		logger:   slog.Default(),
		every:    DefaultThrottle,
		burst:    1,
		limiters: make(map[SignalKind]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track classifies sig, stamping it with the clock when it carries no
// time. It returns false when the signal is unclassifiable or throttled.
func (t *Tracker) Track(sig Signal) (Activity, bool) {
	if sig.At.IsZero() {
		sig.At = t.clock.Now()
	}
	a, err := Classify(sig)
	if err != nil {
		t.logger.Debug("dropping signal",
			slog.String("component", "tracker"),
			slog.String("kind", string(sig.Kind)),
			slog.String("error", err.Error()),
		)
		return Activity{}, false
	}
	if !t.allow(sig.Kind, sig.At) {
		return Activity{}, false
	}
	return a, true
}

func (t *Tracker) allow(kind SignalKind, at time.Time) bool {
	if !throttledKinds[kind] || t.every <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[kind]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[kind] = l
	}
	return l.AllowN(at, 1)
}

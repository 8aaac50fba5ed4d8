package session

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/clock"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signal
		typ     ActivityType
		details string
	}{
		{"pointer", Signal{Kind: SignalPointer, At: t0}, ActivityInteraction, "pointer"},
		{"key", Signal{Kind: SignalKey, At: t0}, ActivityInteraction, "key"},
		{"hidden", Signal{Kind: SignalVisibilityHidden, At: t0}, ActivityIdle, "hidden"},
		{"visible", Signal{Kind: SignalVisibilityVisible, At: t0}, ActivityInteraction, "visible"},
		{"request", Signal{Kind: SignalRequest, At: t0, Method: "post", URL: "https://api.test/v1/orders?id=3"}, ActivityAPICall, "POST /v1/orders"},
		{"route", Signal{Kind: SignalRouteChange, At: t0, Route: "/settings"}, ActivityNavigation, "/settings"},
		{"auth ok", Signal{Kind: SignalAuthSuccess, At: t0, Provider: "oidc"}, ActivityAuthentication, "success:oidc"},
		{"auth fail", Signal{Kind: SignalAuthFailure, At: t0}, ActivityAuthentication, "failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Classify(tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, a.Type)
			assert.Equal(t, tt.details, a.Details)
			assert.Equal(t, t0, a.Timestamp)
		})
	}
}

func TestClassifyCapsLongURL(t *testing.T) {
	raw := "https://api.test/" + strings.Repeat("segment/", 1000)
	a, err := Classify(Signal{Kind: SignalRequest, At: t0, Method: "GET", URL: raw})
	require.NoError(t, err)
	assert.Equal(t, MaxDetailsLength, utf8.RuneCountInString(a.Details))
	assert.True(t, strings.HasPrefix(a.Details, "GET /segment/"))
}

func TestClassifyRouteMetadata(t *testing.T) {
	a, err := Classify(Signal{Kind: SignalRouteChange, At: t0, Route: "/a", Component: "Router"})
	require.NoError(t, err)
	require.NotNil(t, a.Metadata)
	assert.Equal(t, "/a", a.Metadata.Route)
	assert.Equal(t, "Router", a.Metadata.Component)
}

func TestClassifyRejects(t *testing.T) {
	for _, sig := range []Signal{
		{Kind: "teleport", At: t0},
		{Kind: SignalPointer},
		{Kind: SignalRequest, At: t0, URL: "/x"},
		{Kind: SignalRequest, At: t0, Method: "GET"},
		{Kind: SignalRouteChange, At: t0},
	} {
		_, err := Classify(sig)
		assert.ErrorIs(t, err, ErrUnclassifiable, "%+v", sig)
	}
}

func TestTrackerStampsFromClock(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(clk)
	a, ok := tr.Track(Signal{Kind: SignalKey})
	require.True(t, ok)
	assert.Equal(t, t0, a.Timestamp)

	_, ok = tr.Track(Signal{Kind: "bogus"})
	assert.False(t, ok)
}

func TestTrackerThrottlesFloods(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(clk, WithThrottle(time.Second, 1))

	accepted := 0
	for i := 0; i < 50; i++ {
		if _, ok := tr.Track(Signal{Kind: SignalScroll}); ok {
			accepted++
		}
		clk.Advance(100 * time.Millisecond)
	}
	assert.LessOrEqual(t, accepted, 6)
	assert.GreaterOrEqual(t, accepted, 4)

	// keys are never throttled
	for i := 0; i < 10; i++ {
		_, ok := tr.Track(Signal{Kind: SignalKey})
		assert.True(t, ok)
	}
}

func TestTrackerThrottleDisabled(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := NewTracker(clk, WithThrottle(0, 0))
	for i := 0; i < 10; i++ {
		_, ok := tr.Track(Signal{Kind: SignalPointer})
		assert.True(t, ok)
	}
}

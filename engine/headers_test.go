package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecurityHeadersProduction(t *testing.T) {
	h := SecurityHeaders(HeaderPolicy{Environment: Production, ConnectSrc: []string{"https://api.example.test", " "}})
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.NotEmpty(t, h.Get("Referrer-Policy"))
	assert.NotEmpty(t, h.Get("Permissions-Policy"))
	csp := h.Get("Content-Security-Policy")
	assert.Contains(t, csp, "connect-src 'self' https://api.example.test;")
	assert.NotContains(t, csp, "localhost")
}

func TestSecurityHeadersDevelopment(t *testing.T) {
	csp := SecurityHeaders(HeaderPolicy{Environment: Development}).Get("Content-Security-Policy")
	assert.Contains(t, csp, "ws://localhost:*")
	assert.Contains(t, csp, "http://localhost:*")
}

func TestEventsUnsubscribe(t *testing.T) {
	bus := newEvents()
	var got []string
	unsub := bus.Subscribe(func(ev Event) { got = append(got, ev.EventName()) })
	bus.emit(Warning{})
	unsub()
	unsub()
	bus.emit(Ended{})
	assert.Equal(t, []string{"warning"}, got)
}

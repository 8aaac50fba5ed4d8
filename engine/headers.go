package engine

import (
	"net/http"
	"strings"
)

// Environment selects the CSP connect-src allow-list.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// devConnectSrc lets a local dev server and its hot-reload socket through.
var devConnectSrc = []string{"http://localhost:*", "ws://localhost:*", "http://127.0.0.1:*", "ws://127.0.0.1:*"}

// HeaderPolicy configures SecurityHeaders.
type HeaderPolicy struct {
	Environment Environment
	// ConnectSrc lists the API and telemetry endpoints the page may call.
	ConnectSrc []string
}

// SecurityHeaders returns the response headers every page of the
// application should carry.
func SecurityHeaders(p HeaderPolicy) http.Header {
	connect := []string{"'self'"}
	if p.Environment == Development {
		connect = append(connect, devConnectSrc...)
	}
	for _, src := range p.ConnectSrc {
		if src = strings.TrimSpace(src); src != "" {
			connect = append(connect, src)
		}
	}

	h := make(http.Header)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	h.Set("Content-Security-Policy", strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"connect-src " + strings.Join(connect, " "),
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; "))
	return h
}

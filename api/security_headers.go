package api

import (
	"net/http"
	"strings"

	"github.com/jmcleod/ironsession/engine"
)

// SecurityHeaders is middleware that sets the headers produced by
// engine.SecurityHeaders for the API's policy on every response. It should
// be placed early in the middleware chain.
func (a *API) SecurityHeaders(next http.Handler) http.Handler {
	headers := engine.SecurityHeaders(a.headers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k := range headers {
			w.Header().Set(k, headers.Get(k))
		}
		if requestIsSecure(r) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

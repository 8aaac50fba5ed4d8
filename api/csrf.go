package api

import (
	"errors"
	"mime"
	"net/http"

	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/engine"
)

// CSRFMiddleware rejects state-changing requests whose token does not
// match the session's current one. The token is read from the
// X-CSRF-Token header, or from the csrf_token field of a form submission.
// Safe methods (GET, HEAD, OPTIONS) are exempt.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		err := a.session.ValidateCSRF(r.Context(), tokenFromRequest(r))
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, csrf.ErrTokenMissing):
			writeError(w, http.StatusForbidden, "missing CSRF token")
		case errors.Is(err, engine.ErrSessionEnded):
			writeError(w, http.StatusForbidden, "session ended")
		default:
			writeError(w, http.StatusForbidden, "invalid CSRF token")
		}
	})
}

func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(csrf.HeaderName); token != "" {
		return token
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		return r.PostFormValue(csrf.FormField)
	}
	return ""
}

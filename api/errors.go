package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/engine"
	"github.com/jmcleod/ironsession/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnclassifiable),
		errors.Is(err, engine.ErrInvalidActivity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, csrf.ErrTokenMissing):
		writeError(w, http.StatusForbidden, "missing CSRF token")
	case errors.Is(err, csrf.ErrTokenMismatch):
		writeError(w, http.StatusForbidden, "invalid CSRF token")
	case errors.Is(err, engine.ErrSessionEnded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotInitialized),
		errors.Is(err, engine.ErrDisposed),
		errors.Is(err, csrf.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

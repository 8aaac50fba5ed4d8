package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmcleod/ironsession/csrf"
	"github.com/jmcleod/ironsession/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// GetSession handles GET /session.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	st := a.session.State()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "session not initialized")
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:    st.SessionID,
		TabID:        st.TabID,
		StartTime:    st.StartTime,
		IsActive:     st.IsActive,
		EndReason:    string(st.EndReason),
		LastActivity: st.LastActivity,
		Activities:   len(st.Activities),
		Metadata:     st.Metadata,
	})
}

// PostSignal handles POST /session/signals.
func (a *API) PostSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sig := session.Signal{
		Kind:      session.SignalKind(req.Kind),
		Method:    req.Method,
		URL:       req.URL,
		Route:     req.Route,
		Component: req.Component,
		Provider:  req.Provider,
	}
	// Classify with a placeholder time to reject malformed signals here;
	// the engine stamps the real one.
	check := sig
	check.At = time.Now()
	if _, err := session.Classify(check); err != nil {
		mapError(w, err)
		return
	}
	if err := a.session.Signal(r.Context(), sig); err != nil {
		a.logger.Warn("signal rejected", "kind", req.Kind, "error", err)
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetCSRFToken handles GET /session/csrf.
func (a *API) GetCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.session.CSRFToken()
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, CSRFResponse{Token: token, Header: csrf.HeaderName, Field: csrf.FormField})
}

// PutMetadata handles PUT /session/metadata.
func (a *API) PutMetadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.session.UpdateMetadata(r.Context(), func(md *session.Metadata) {
		if req.Device != nil {
			md.Device = *req.Device
		}
		if req.Locale != nil {
			md.Locale = *req.Locale
		}
		if req.Security != nil {
			md.Security = *req.Security
		}
		if len(req.Extra) > 0 {
			if md.Extra == nil {
				md.Extra = make(map[string]string, len(req.Extra))
			}
			for k, v := range req.Extra {
				md.Extra[k] = v
			}
		}
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.GetSession(w, r)
}

// Logout handles POST /session/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Logout(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

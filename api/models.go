package api

import (
	"time"

	"github.com/jmcleod/ironsession/session"
)

// SessionResponse is returned from GET /session.
type SessionResponse struct {
	SessionID    string            `json:"session_id"`
	TabID        string            `json:"tab_id"`
	StartTime    time.Time         `json:"start_time"`
	IsActive     bool              `json:"is_active"`
	EndReason    string            `json:"end_reason,omitempty"`
	LastActivity *session.Activity `json:"last_activity,omitempty"`
	Activities   int               `json:"activity_count"`
	Metadata     session.Metadata  `json:"metadata"`
}

// SignalRequest is the JSON body for POST /session/signals.
type SignalRequest struct {
	Kind      string `json:"kind"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
	Route     string `json:"route,omitempty"`
	Component string `json:"component,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// CSRFResponse is returned from GET /session/csrf.
type CSRFResponse struct {
	Token  string `json:"token"`
	Header string `json:"header"`
	Field  string `json:"field"`
}

// MetadataRequest is the JSON body for PUT /session/metadata. Absent
// fields are left unchanged.
type MetadataRequest struct {
	Device   *session.Device   `json:"device,omitempty"`
	Locale   *string           `json:"locale,omitempty"`
	Security *session.Security `json:"security,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

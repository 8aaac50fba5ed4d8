// Package session holds the data model shared by every tab: the canonical
// State, its bounded activity log, the merge applied to foreign copies and
// the classifier that turns raw signals into activities.
package session

import (
	"time"
)

// MaxActivities caps the activity log. The oldest entries are evicted.
const MaxActivities = 100

// MaxDetailsLength caps Activity.Details in runes. Longer details are
// truncated when an activity is recorded or classified, matching the limit
// other tabs enforce on foreign state.
const MaxDetailsLength = 2048

type ActivityType string

const (
	ActivityInteraction    ActivityType = "interaction"
	ActivityAPICall        ActivityType = "api_call"
	ActivityNavigation     ActivityType = "navigation"
	ActivityAuthentication ActivityType = "authentication"
	ActivityIdle           ActivityType = "idle"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityInteraction, ActivityAPICall, ActivityNavigation, ActivityAuthentication, ActivityIdle:
		return true
	}
	return false
}

// EndReason says why a session stopped being active.
type EndReason string

const (
	EndTimeout EndReason = "timeout"
	EndLogout  EndReason = "logout"
	EndError   EndReason = "error"
)

// ActivityMeta locates an activity in the UI.
type ActivityMeta struct {
	Route     string `json:"route,omitempty"`
	Component string `json:"component,omitempty"`
}

// Activity is one entry of the log. Activities are values; nothing mutates
// them after creation.
type Activity struct {
	Timestamp time.Time     `json:"timestamp"`
	Type      ActivityType  `json:"type"`
	Details   string        `json:"details,omitempty"`
	Metadata  *ActivityMeta `json:"metadata,omitempty"`
}

type Device struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Screen    string `json:"screen,omitempty"`
}

type Security struct {
	MFAVerified bool   `json:"mfa_verified"`
	AuthMethod  string `json:"auth_method,omitempty"`
	RiskLevel   string `json:"risk_level,omitempty"`
}

// Metadata describes the environment a session runs in. It is written at
// creation and changed only through explicit updates, which bump UpdatedAt.
type Metadata struct {
	Device    Device            `json:"device"`
	Locale    string            `json:"locale,omitempty"`
	Security  Security          `json:"security"`
	Extra     map[string]string `json:"extra,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// State is the canonical session as one tab sees it.
type State struct {
	SessionID    string     `json:"session_id"`
	TabID        string     `json:"tab_id"`
	StartTime    time.Time  `json:"start_time"`
	IsActive     bool       `json:"is_active"`
	LastActivity *Activity  `json:"last_activity,omitempty"`
	Activities   []Activity `json:"activities"`
	Metadata     Metadata   `json:"metadata"`
	EndReason    EndReason  `json:"end_reason,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Index is the clear-text pointer stored under SESSION/current so a fresh
// tab can find backups without first decrypting state.
type Index struct {
	SessionID string    `json:"session_id"`
	TabID     string    `json:"tab_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an active session with no activity.
func New(sessionID, tabID string, now time.Time, md Metadata) *State {
	if md.UpdatedAt.IsZero() {
		md.UpdatedAt = now
	}
	return &State{
		SessionID: sessionID,
		TabID:     tabID,
		StartTime: now,
		IsActive:  true,
		Metadata:  md.Clone(),
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of a.
func (a Activity) Clone() Activity {
	if a.Metadata != nil {
		m := *a.Metadata
		a.Metadata = &m
	}
	return a
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m.Extra != nil {
		extra := make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = s.Metadata.Clone()
	if s.Activities != nil {
		c.Activities = make([]Activity, len(s.Activities))
		for i, a := range s.Activities {
			c.Activities[i] = a.Clone()
		}
	}
	if s.LastActivity != nil {
		la := s.LastActivity.Clone()
		c.LastActivity = &la
	}
	return &c
}

// LastActivityTime is the reference point for idle timeout: the newest
// activity, or the start of the session when nothing was recorded.
func (s *State) LastActivityTime() time.Time {
	if s.LastActivity != nil {
		return s.LastActivity.Timestamp
	}
	return s.StartTime
}

// IdleFor returns how long the session has been idle at now.
func (s *State) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityTime())
}

// End marks the session inactive. Ending an ended session keeps the first
// reason.
func (s *State) End(reason EndReason, now time.Time) {
	if !s.IsActive && s.EndReason != "" {
		return
	}
	s.IsActive = false
	s.EndReason = reason
	s.UpdatedAt = now
}

// Index returns the clear-text pointer for s.
func (s *State) Index() Index {
	return Index{SessionID: s.SessionID, TabID: s.TabID, UpdatedAt: s.UpdatedAt}
}

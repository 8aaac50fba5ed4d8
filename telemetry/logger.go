// Package telemetry records security-relevant session incidents. Every
// incident is written as a structured slog entry carrying the session id,
// tab id and timestamp needed to reconstruct it, counted for anomaly
// alerts, and optionally forwarded to a webhook.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/ironsession/fault"
)

// Event identifies the type of incident being logged.
type Event string

const (
	EventSessionStarted     Event = "session_started"
	EventSessionJoined      Event = "session_joined"
	EventSessionRestored    Event = "session_restored"
	EventSessionEnded       Event = "session_ended"
	EventIntegrityFailure   Event = "integrity_failure"
	EventStorageFailure     Event = "storage_failure"
	EventTokenRotationLimit Event = "token_rotation_limit"
	EventTokenReinit        Event = "token_reinit"
	EventCSRFRejected       Event = "csrf_rejected"
	EventMergeAmbiguity     Event = "merge_ambiguity"
	EventBroadcastFailure   Event = "broadcast_failure"
)

// Incident is one log entry.
type Incident struct {
	Event     Event
	SessionID string
	TabID     string
	Timestamp time.Time
	Err       error
	Attrs     []slog.Attr
}

// Logger writes incidents.
type Logger struct {
	logger  *slog.Logger
	metrics *Collector
	webhook *Webhook
}

// Option configures a Logger.
type Option func(*Logger)

// WithAlerts counts incidents in a Collector that raises alerts.
func WithAlerts(c *Collector) Option {
	return func(l *Logger) { l.metrics = c }
}

// WithWebhook forwards every incident to w.
func WithWebhook(w *Webhook) Option {
	return func(l *Logger) { l.webhook = w }
}

// NewLogger returns a Logger writing to logger. A nil logger uses
// slog.Default().
func NewLogger(logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{logger: logger.With("component", "session")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Slog returns the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Log writes inc. Kind and code are taken from a classified error.
func (l *Logger) Log(ctx context.Context, inc Incident) {
	if l == nil {
		return
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("event", string(inc.Event)),
		slog.String("session_id", inc.SessionID),
		slog.String("tab_id", inc.TabID),
		slog.String("timestamp", inc.Timestamp.Format(time.RFC3339Nano)),
	}
	if inc.Err != nil {
		attrs = append(attrs,
			slog.String("kind", string(kindOf(inc.Err))),
			slog.String("code", fault.CodeOf(inc.Err)),
			slog.String("error", inc.Err.Error()),
		)
	}
	attrs = append(attrs, inc.Attrs...)
	l.logger.LogAttrs(ctx, levelOf(inc.Event), "incident", attrs...)

	if l.metrics != nil {
		l.metrics.recordEvent(inc.Event, inc.Timestamp)
	}
	if l.webhook != nil {
		l.webhook.enqueue(webhookEventFrom(inc))
	}
}

// Close flushes the webhook, if any.
func (l *Logger) Close() {
	if l != nil && l.webhook != nil {
		l.webhook.close()
	}
}

func kindOf(err error) fault.Kind {
	if k := fault.KindOf(err); k != "" {
		return k
	}
	return fault.Internal
}

func levelOf(e Event) slog.Level {
	switch e {
	case EventIntegrityFailure, EventStorageFailure, EventCSRFRejected, EventBroadcastFailure:
		return slog.LevelWarn
	case EventMergeAmbiguity:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

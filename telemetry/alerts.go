package telemetry

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertIntegritySpike AlertType = "integrity_failure_spike"
	AlertCSRFSpike      AlertType = "csrf_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	DefaultIntegrityWindow    = 5 * time.Minute
	DefaultIntegrityThreshold = 5
	DefaultCSRFWindow         = time.Minute
	DefaultCSRFThreshold      = 20
)

type window struct {
	hits      []time.Time
	span      time.Duration
	threshold int
}

// Collector keeps sliding-window counters of incidents. Windows are
// evaluated against incident timestamps, not the wall clock.
type Collector struct {
	mu        sync.Mutex
	integrity window
	csrf      window
	alertFn   AlertFunc
}

// NewCollector returns a Collector with default thresholds.
func NewCollector(alertFn AlertFunc) *Collector {
	return &Collector{
		integrity: window{span: DefaultIntegrityWindow, threshold: DefaultIntegrityThreshold},
		csrf:      window{span: DefaultCSRFWindow, threshold: DefaultCSRFThreshold},
		alertFn:   alertFn,
	}
}

// SetIntegrityThreshold overrides the integrity alert threshold and window.
func (c *Collector) SetIntegrityThreshold(n int, span time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrity.threshold, c.integrity.span = n, span
}

// SetCSRFThreshold overrides the CSRF rejection threshold and window.
func (c *Collector) SetCSRFThreshold(n int, span time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrf.threshold, c.csrf.span = n, span
}

func (c *Collector) recordEvent(e Event, at time.Time) {
	if c == nil || c.alertFn == nil {
		return
	}
	switch e {
	case EventIntegrityFailure:
		c.record(&c.integrity, at, AlertIntegritySpike, "integrity failure rate exceeds threshold")
	case EventCSRFRejected:
		c.record(&c.csrf, at, AlertCSRFSpike, "csrf rejection rate exceeds threshold")
	}
}

func (c *Collector) record(w *window, at time.Time, typ AlertType, msg string) {
	c.mu.Lock()
	w.hits = append(w.hits, at)
	w.hits = trimWindow(w.hits, at, w.span)
	var alert *AlertEvent
	if len(w.hits) >= w.threshold {
		alert = &AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: at,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.hits = w.hits[:0]
	}
	c.mu.Unlock()

	if alert != nil {
		c.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

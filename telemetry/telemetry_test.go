package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/fault"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestLoggerWritesIncidentContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := fault.Wrap(errors.New("tag mismatch"), fault.Integrity, "backup_checksum")
	l.Log(context.Background(), Incident{
		Event:     EventIntegrityFailure,
		SessionID: "sess-1",
		TabID:     "tab-a",
		Timestamp: t0,
		Err:       err,
		Attrs:     []slog.Attr{slog.Uint64("version", 3)},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "integrity_failure", entry["event"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "tab-a", entry["tab_id"])
	assert.Equal(t, "2025-03-01T09:00:00Z", entry["timestamp"])
	assert.Equal(t, "integrity", entry["kind"])
	assert.Equal(t, "backup_checksum", entry["code"])
	assert.Equal(t, float64(3), entry["version"])
}

func TestLoggerUnclassifiedErrorIsInternal(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Log(context.Background(), Incident{Event: EventSessionEnded, Timestamp: t0, Err: errors.New("boom")})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "internal", entry["kind"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLoggerNilIsNoop(t *testing.T) {
	var l *Logger
	l.Log(context.Background(), Incident{Event: EventSessionStarted})
	l.Close()
}

func TestLoggerFeedsCollector(t *testing.T) {
	var alerts []AlertEvent
	c := NewCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	c.SetIntegrityThreshold(3, time.Minute)
	l := NewLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), WithAlerts(c))

	for i := 0; i < 3; i++ {
		l.Log(context.Background(), Incident{Event: EventIntegrityFailure, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertIntegritySpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
}

func TestCollectorSlidingWindowExpiry(t *testing.T) {
	var alerts []AlertEvent
	c := NewCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	c.SetCSRFThreshold(3, time.Minute)

	c.recordEvent(EventCSRFRejected, t0)
	c.recordEvent(EventCSRFRejected, t0.Add(time.Second))
	c.recordEvent(EventCSRFRejected, t0.Add(2*time.Minute))
	assert.Empty(t, alerts, "old rejections should not count after window expiry")
}

func TestCollectorResetAfterAlert(t *testing.T) {
	var alerts []AlertEvent
	c := NewCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	c.SetCSRFThreshold(2, time.Minute)

	for i := 0; i < 3; i++ {
		c.recordEvent(EventCSRFRejected, t0)
	}
	assert.Len(t, alerts, 1, "counter resets after alerting")
	c.recordEvent(EventCSRFRejected, t0)
	assert.Len(t, alerts, 2)
}

func TestCollectorIgnoresOtherEvents(t *testing.T) {
	calls := 0
	c := NewCollector(func(AlertEvent) { calls++ })
	c.SetIntegrityThreshold(1, time.Minute)
	c.recordEvent(EventSessionStarted, t0)
	assert.Equal(t, 0, calls)

	var nilCollector *Collector
	nilCollector.recordEvent(EventIntegrityFailure, t0)
	NewCollector(nil).recordEvent(EventIntegrityFailure, t0)
}

func TestWebhookDelivery(t *testing.T) {
	var received webhookEvent
	var gotAuth string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "Authorization: Bearer token-123")
	l := NewLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), WithWebhook(wh))
	l.Log(context.Background(), Incident{
		Event:     EventStorageFailure,
		SessionID: "sess-1",
		TabID:     "tab-a",
		Timestamp: t0,
		Err:       fault.Wrap(errors.New("quota"), fault.TransientStorage, "backup_mirror"),
		Attrs:     []slog.Attr{slog.String("record", "BACKUPS")},
	})
	l.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "storage_failure", received.Event)
	assert.Equal(t, "sess-1", received.SessionID)
	assert.Equal(t, "tab-a", received.TabID)
	assert.Equal(t, "transient_storage", received.Kind)
	assert.Equal(t, "backup_mirror", received.Code)
	assert.Equal(t, "BACKUPS", received.Attrs["record"])
	assert.Equal(t, "Bearer token-123", gotAuth)
}

func TestWebhookRetryOn500(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "")
	wh.retryDelay = time.Millisecond
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2025-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhookNoRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2025-01-01T00:00:00Z"})
	wh.close()
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhookGracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "")
	for i := 0; i < 5; i++ {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2025-01-01T00:00:00Z"})
	}
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

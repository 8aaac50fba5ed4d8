package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/fault"
)

// webhookQueueSize is the bounded channel capacity for outbound incidents.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event     string            `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	TabID     string            `json:"tab_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Code      string            `json:"code,omitempty"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func webhookEventFrom(inc Incident) webhookEvent {
	evt := webhookEvent{
		Event:     string(inc.Event),
		SessionID: inc.SessionID,
		TabID:     inc.TabID,
		Timestamp: inc.Timestamp.Format(time.RFC3339Nano),
	}
	if inc.Err != nil {
		evt.Kind = string(kindOf(inc.Err))
		evt.Code = fault.CodeOf(inc.Err)
	}
	if len(inc.Attrs) > 0 {
		evt.Attrs = make(map[string]string, len(inc.Attrs))
		for _, a := range inc.Attrs {
			evt.Attrs[a.Key] = a.Value.String()
		}
	}
	return evt
}

// Webhook dispatches incidents to an external HTTP endpoint.
// Events are enqueued non-blockingly into a bounded channel and sent
// by a background goroutine. If the channel is full, events are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
	retryDelay time.Duration
}

// NewWebhook creates a webhook dispatcher and starts its background loop.
func NewWebhook(url, authHeader string) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue adds an event to the dispatch queue. If the queue is full, the
// event is dropped and a warning is logged. This method never blocks.
func (w *Webhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		slog.Warn("incident webhook: queue full, dropping event", "event", evt.Event)
	}
}

// close shuts down the dispatcher, draining any remaining events.
func (w *Webhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (w *Webhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("incident webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest("POST", w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("incident webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "IronSession-Incident-Webhook/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("incident webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			slog.Warn("incident webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		slog.Warn("incident webhook: client error", "status", resp.StatusCode)
		return
	}
}

// Package notify fans progress events out to interested sinks so
// callers can follow long-running extractions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is one progress update for an extraction.
type Event struct {
	ExtractionID string    `json:"extraction_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	IsLoading    bool      `json:"is_loading"`
	At           time.Time `json:"at"`
}

// Notifier receives progress events. Implementations must not block
// for long; the hub calls them inline.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Hub broadcasts events to every registered sink.
type Hub struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// NewHub creates an empty Hub. A Hub with no sinks drops events.
func NewHub(sinks ...Notifier) *Hub {
	return &Hub{sinks: sinks}
}

// Register adds a sink.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	h.sinks = append(h.sinks, n)
	h.mu.Unlock()
}

// Notify sends ev to all sinks.
func (h *Hub) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, s := range sinks {
		s.Notify(ctx, ev)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Notify(ctx context.Context, ev Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("extraction progress",
		"extraction_id", ev.ExtractionID,
		"status", ev.Status,
		"message", ev.Message,
		"is_loading", ev.IsLoading)
}

// WebhookSink POSTs each event as JSON to a configured URL. Delivery is
// best effort, failures are logged and dropped.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

func (s *WebhookSink) Notify(ctx context.Context, ev Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		l.Warn("notify: marshal event", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		l.Warn("notify: build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		l.Warn("notify: webhook delivery failed", "url", s.URL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		l.Warn("notify: webhook rejected event",
			"url", s.URL, "status", fmt.Sprint(resp.StatusCode))
	}
}

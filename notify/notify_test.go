package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (m *memSink) Notify(ctx context.Context, ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func TestHubFanOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	h := NewHub(a)
	h.Register(b)

	h.Notify(context.Background(), Event{ExtractionID: "e1", Status: "PROCESSING", IsLoading: true})

	for i, s := range []*memSink{a, b} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d got %d events, want 1", i, len(s.events))
		}
		if s.events[0].ExtractionID != "e1" {
			t.Errorf("sink %d event = %+v", i, s.events[0])
		}
		if s.events[0].At.IsZero() {
			t.Errorf("sink %d event timestamp not set", i)
		}
	}
}

func TestWebhookSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := &WebhookSink{URL: srv.URL}
	s.Notify(context.Background(), Event{ExtractionID: "e2", Status: "DONE", Message: "finished"})

	if got.ExtractionID != "e2" || got.Status != "DONE" {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookSinkSwallowsErrors(t *testing.T) {
	s := &WebhookSink{URL: "http://127.0.0.1:0/nope"}
	// Must not panic or block.
	s.Notify(context.Background(), Event{ExtractionID: "e3"})
}

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func mustNotifier(t *testing.T, endpoints []Endpoint, opts ...Option) *Notifier {
	t.Helper()
	opts = append([]Option{WithRetryDelays(time.Millisecond)}, opts...)
	n, err := NewNotifier(endpoints, opts...)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	return n
}

func signedEvent(t *testing.T) Event {
	t.Helper()
	ev, err := NewEvent(EventNoteSigned, "acme", "visit-1", map[string]any{"score": 94})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestNewNotifier_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/hook", "https://"} {
		if _, err := NewNotifier([]Endpoint{{URL: raw}}); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"note.signed", "note.signed", true},
		{"note.*", "note.signed", true},
		{"*.signed", "note.signed", true},
		{"*", "note.signed", true},
		{"visit.*", "note.signed", false},
		{"note.created", "note.signed", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestPublish_SignedDelivery(t *testing.T) {
	var got Event
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified = VerifySignature(body, "whsec", r.Header.Get("X-Webhook-Signature"))
		_ = json.Unmarshal(body, &got)
		if r.Header.Get("X-Webhook-Event") != EventNoteSigned {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := mustNotifier(t, []Endpoint{{URL: srv.URL, Secret: "whsec"}})
	ev := signedEvent(t)
	results := n.Publish(context.Background(), ev)
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !verified {
		t.Error("expected receiver to verify the signature")
	}
	if got.ID != ev.ID || got.VisitID != "visit-1" || got.TenantID != "acme" {
		t.Errorf("unexpected event received: %+v", got)
	}
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := mustNotifier(t, []Endpoint{{URL: srv.URL}}, WithMaxRetries(3))
	results := n.Publish(context.Background(), signedEvent(t))
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected eventual success, got %+v", results)
	}
	if results[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", results[0].Attempts)
	}
}

func TestPublish_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	n := mustNotifier(t, []Endpoint{{URL: srv.URL}}, WithMaxRetries(3))
	results := n.Publish(context.Background(), signedEvent(t))
	if results[0].Success || results[0].StatusCode != http.StatusGone {
		t.Fatalf("expected failed 410 delivery, got %+v", results[0])
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Errorf("expected a single call, got %d", c)
	}
}

func TestPublish_SkipsUnsubscribed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	n := mustNotifier(t, []Endpoint{
		{URL: srv.URL, Events: []string{"visit.*"}},
		{URL: srv.URL, Events: []string{"note.*"}},
	})
	results := n.Publish(context.Background(), signedEvent(t))
	if len(results) != 1 {
		t.Fatalf("expected one delivery, got %d", len(results))
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Errorf("expected 1 call, got %d", c)
	}
}

func TestPublish_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := mustNotifier(t, []Endpoint{{URL: srv.URL}}, WithMaxRetries(5), WithRetryDelays(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := n.Publish(ctx, signedEvent(t))
	if time.Since(start) > 5*time.Second {
		t.Fatal("publish did not honour cancellation")
	}
	if results[0].Success || results[0].Attempts != 1 {
		t.Errorf("expected one failed attempt, got %+v", results[0])
	}
}

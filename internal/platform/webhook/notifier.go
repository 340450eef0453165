// Package webhook delivers signed note lifecycle events to configured HTTP
// endpoints. Each payload carries an HMAC-SHA256 signature so receivers can
// verify it came from this service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the note service.
const (
	EventNoteSigned = "note.signed"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is one delivery destination. An empty Events list subscribes to
// every event type.
type Endpoint struct {
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events,omitempty"`
}

// Event is the envelope POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id,omitempty"`
	VisitID   string          `json:"visit_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, tenantID, visitID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		VisitID:   visitID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DeliveryResult summarises the outcome of delivering an event to one endpoint.
type DeliveryResult struct {
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// The "sha256=" header prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(r int) Option {
	return func(n *Notifier) { n.maxRetries = r }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats
// when there are more retries than delays.
func WithRetryDelays(d ...time.Duration) Option {
	return func(n *Notifier) { n.retryDelays = d }
}

// WithLogger attaches a logger for delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// Notifier fans events out to every subscribed endpoint.
type Notifier struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	logger      zerolog.Logger
}

// NewNotifier validates endpoints and builds a notifier with sensible
// defaults.
func NewNotifier(endpoints []Endpoint, opts ...Option) (*Notifier, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", ep.URL, err)
		}
	}
	n := &Notifier{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Endpoints returns the configured destinations.
func (n *Notifier) Endpoints() []Endpoint { return n.endpoints }

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// eventMatches reports whether pattern subscribes to eventType. Patterns are
// exact ("note.signed"), prefix wildcards ("note.*") or "*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	}
	return false
}

func (ep Endpoint) subscribes(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Publish delivers ev to every subscribed endpoint, retrying failures. It
// blocks until all deliveries finish or ctx is done.
func (n *Notifier) Publish(ctx context.Context, ev Event) []DeliveryResult {
	var results []DeliveryResult
	for _, ep := range n.endpoints {
		if !ep.subscribes(ev.Type) {
			continue
		}
		res := n.deliver(ctx, ep, ev)
		if !res.Success {
			n.logger.Warn().
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Str("url", ep.URL).
				Int("attempts", res.Attempts).
				Str("error", res.Error).
				Msg("webhook delivery failed")
		}
		results = append(results, res)
	}
	return results
}

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, ev Event) DeliveryResult {
	payload, err := json.Marshal(ev)
	if err != nil {
		return DeliveryResult{URL: ep.URL, Error: err.Error()}
	}
	res := DeliveryResult{URL: ep.URL}
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, n.delay(attempt-1)); err != nil {
				res.Error = err.Error()
				return res
			}
		}
		res.Attempts = attempt + 1
		res.StatusCode, err = n.post(ctx, ep, ev, payload)
		if err == nil {
			res.Success = true
			res.Error = ""
			return res
		}
		res.Error = err.Error()
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return res
		}
	}
	return res
}

func (n *Notifier) delay(i int) time.Duration {
	if len(n.retryDelays) == 0 {
		return 0
	}
	if i >= len(n.retryDelays) {
		i = len(n.retryDelays) - 1
	}
	return n.retryDelays[i]
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, ev Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

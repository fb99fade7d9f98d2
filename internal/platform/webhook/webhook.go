// Package webhook posts signed JSON events to an external intake system
// with bounded retries and keeps a short delivery log.
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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/labstack/echo/v4"
)

// DefaultLogSize bounds the in-memory delivery log.
const DefaultLogSize = 500

// Event is the envelope sent to the endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryAttempt records one POST. Payloads are not kept; they carry
// client contact details.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	ResourceID string        `json:"resource_id"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"` // "success", "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Sender) { s.retryDelays = delays }
}

// Sender delivers events to one configured endpoint.
type Sender struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration

	mu  sync.RWMutex
	log []*DeliveryAttempt
}

// NewSender validates the endpoint URL. An empty secret is rejected because
// the receiver has no other way to authenticate the caller.
func NewSender(rawURL, secret string, opts ...Option) (*Sender, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	s := &Sender{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

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

// Send wraps payload in an Event and POSTs it until the endpoint answers
// 2xx or the retries run out. The last failure is returned.
func (s *Sender) Send(ctx context.Context, eventType, resourceID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}
	body, err := canonicalJSON(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		a := s.post(ctx, event, body, attempt)
		if a.Status == "success" {
			return nil
		}
		lastErr = fmt.Errorf("webhook delivery failed: %s", a.Error)
		if attempt > len(s.retryDelays) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (%v)", lastErr, ctx.Err())
		case <-time.After(s.retryDelays[attempt-1]):
		}
	}
}

// canonicalJSON encodes v per RFC 8785 so receivers in other languages can
// recompute the signature over a re-serialized body.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func (s *Sender) post(ctx context.Context, event Event, body []byte, attempt int) *DeliveryAttempt {
	now := time.Now()
	a := &DeliveryAttempt{
		ID:         uuid.NewString(),
		EventID:    event.ID,
		EventType:  event.Type,
		ResourceID: event.ResourceID,
		Attempt:    attempt,
		CreatedAt:  now,
	}
	defer s.record(a)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, s.secret))
	req.Header.Set("X-Webhook-ID", event.ID)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	resp, err := s.httpClient.Do(req)
	a.Duration = time.Since(now)
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Status = "failed"
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

func (s *Sender) record(a *DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, a)
	if len(s.log) > DefaultLogSize {
		s.log = s.log[len(s.log)-DefaultLogSize:]
	}
}

// Deliveries returns the most recent attempts first, optionally filtered by
// resource id.
func (s *Sender) Deliveries(resourceID string, limit int) []*DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryAttempt
	for i := len(s.log) - 1; i >= 0; i-- {
		if resourceID != "" && s.log[i].ResourceID != resourceID {
			continue
		}
		cp := *s.log[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Handler exposes the delivery log to the intake team.
type Handler struct {
	sender *Sender
}

func NewHandler(sender *Sender) *Handler {
	return &Handler{sender: sender}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhook/deliveries", h.ListDeliveries)
}

// ListDeliveries handles GET /webhook/deliveries?resource_id=<submission>.
func (h *Handler) ListDeliveries(c echo.Context) error {
	list := h.sender.Deliveries(c.QueryParam("resource_id"), 100)
	if list == nil {
		list = []*DeliveryAttempt{}
	}
	return c.JSON(http.StatusOK, list)
}

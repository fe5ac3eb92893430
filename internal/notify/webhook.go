package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/pvepilot/internal/config"
	"github.com/btouchard/pvepilot/internal/job"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-PVEPilot-Event"
	HeaderDelivery  = "X-PVEPilot-Delivery"
	HeaderSignature = "X-PVEPilot-Signature"
)

const webhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body POSTed to webhook endpoints.
type WebhookPayload struct {
	Event     string    `json:"event"`
	UPID      string    `json:"upid"`
	Node      string    `json:"node"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier POSTs job events to an HTTP endpoint.
type WebhookNotifier struct {
	name   string
	url    string
	secret []byte
	events []string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a notifier for one configured webhook. An empty
// event list subscribes to every event.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		name:   cfg.Name,
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		events: cfg.Events,
		client: &http.Client{Timeout: webhookTimeout},
		now:    time.Now,
	}
}

// Wants reports whether the webhook subscribes to eventType.
func (w *WebhookNotifier) Wants(eventType string) bool {
	return len(w.events) == 0 || slices.Contains(w.events, eventType) || slices.Contains(w.events, "*")
}

// Notify delivers the event. Failures are logged, never retried.
func (w *WebhookNotifier) Notify(event job.Event) {
	if !w.Wants(event.Type) {
		return
	}
	if err := w.deliver(context.Background(), event); err != nil {
		slog.Warn("webhook delivery failed",
			"webhook", w.name,
			"event", event.Type,
			"job", event.Handle.ID,
			"error", err)
	}
}

func (w *WebhookNotifier) deliver(ctx context.Context, event job.Event) error {
	body, err := json.Marshal(WebhookPayload{
		Event:     event.Type,
		UPID:      event.Handle.ID,
		Node:      event.Handle.Node,
		Operation: event.Operation,
		Message:   event.Message,
		Timestamp: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pvepilot-webhook")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", w.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s answered %s", w.url, resp.Status)
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// WebhookNotifier POSTs alerts as JSON to a URL, paced by a token bucket.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a notifier posting to url at most perSecond
// requests per second with the given burst. A nil client uses a client with
// a 10s timeout.
func NewWebhookNotifier(url string, perSecond float64, burst int, client *http.Client) *WebhookNotifier {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		url:     url,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

type webhookPayload struct {
	Level       string `json:"level"`
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"ts"`
	Text        string `json:"text"`
}

// Notify waits for a pacing token, then posts the alert. Any non-2xx status
// is an error.
func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook pacing: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		Level:       string(a.Level),
		Topic:       a.Topic,
		Message:     a.Message,
		Fingerprint: a.Fingerprint,
		Timestamp:   a.At.UnixMilli(),
		Text:        fmt.Sprintf("[%s] %s: %s", a.Level, a.Topic, a.Message),
	})
	if err != nil {
		return fmt.Errorf("webhook encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts notifications to an HTTP mail relay.
type Webhook struct {
	URL   string
	Token string
	HTTP  *http.Client
	Skip  bool
}

// NewWebhook creates a sender with a bounded timeout. With skip set every
// message is accepted without a request, for local development.
func NewWebhook(url, token string, skip bool) *Webhook {
	return &Webhook{
		URL:   url,
		Token: token,
		Skip:  skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts msg as JSON. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if w.Skip {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.ID != "" {
		req.Header.Set("Idempotency-Key", msg.ID)
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notification relay error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

// Health checks the relay answers at all.
func (w *Webhook) Health(ctx context.Context) error {
	if w.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.URL, nil)
	if err != nil {
		return err
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification relay unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("notification relay unhealthy: %s", resp.Status)
	}
	return nil
}

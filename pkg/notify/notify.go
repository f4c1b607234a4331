// Package notify delivers workflow notifications to external targets.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

// Notification is one message for an external target.
type Notification struct {
	Target     string         `json:"target"`
	Message    string         `json:"message"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Notifier is the contract Notify steps dispatch through.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookNotifier POSTs notifications as JSON to the target URL.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the given per-send
// timeout (default 10s).
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	n.SentAt = time.Now()
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal notification: %v", domain.ErrInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: invalid notify target %q: %v", domain.ErrStepFailed, n.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: notify %s: %v", domain.ErrStepFailed, n.Target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: notify %s returned %s", domain.ErrStepFailed, n.Target, resp.Status)
	}
	return nil
}

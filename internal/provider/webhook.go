package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// WebhookSender delivers webhook notifications by POSTing the alert to the
// recipient, which is the subscriber's own URL.
type WebhookSender struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{httpClient: &http.Client{Timeout: timeout}, now: time.Now}
}

type webhookBody struct {
	ID       string          `json:"id"`
	Channel  string          `json:"channel"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
}

func (s *WebhookSender) Send(ctx context.Context, d *domain.DeliveryRecord) (*SendResponse, error) {
	u, err := url.Parse(d.Recipient)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, d.Recipient)
	}

	sentAt := s.now().UTC()
	body, err := json.Marshal(webhookBody{
		ID:       d.ID,
		Channel:  string(d.Channel),
		Message:  d.Message,
		Metadata: d.Metadata,
		SentAt:   sentAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", d.ID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	// Subscribers rarely answer with a body; fall back to a local id.
	var out SendResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out.MessageID == "" {
		out.MessageID = "wh-" + uuid.NewString()
	}
	if out.Status == "" {
		out.Status = "accepted"
	}
	out.Timestamp = sentAt.Format(time.RFC3339)
	return &out, nil
}

// compile-time check that WebhookSender implements Provider
var _ Provider = (*WebhookSender)(nil)

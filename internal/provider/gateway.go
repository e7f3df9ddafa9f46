package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// HTTPGateway delivers sms, push and social notifications by POSTing to an
// aggregator endpoint. The base URL is injected from config so tests can
// point to a local mock.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the record to the gateway and expects a 2xx response with a
// JSON body containing messageId. 429 and 5xx are transient; any other 4xx
// is a permanent rejection.
func (p *HTTPGateway) Send(ctx context.Context, d *domain.DeliveryRecord) (*SendResponse, error) {
	body, err := json.Marshal(SendRequest{
		ID:       d.ID,
		To:       d.Recipient,
		Channel:  string(d.Channel),
		Content:  d.Message,
		Metadata: rawOrNil(d.Metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.ID)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var sendResp SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if sendResp.MessageID == "" {
		return nil, fmt.Errorf("provider response missing messageId")
	}
	return &sendResp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("unexpected provider status: %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}
}

func rawOrNil(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// compile-time check that HTTPGateway implements Provider
var _ Provider = (*HTTPGateway)(nil)

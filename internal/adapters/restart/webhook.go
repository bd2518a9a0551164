package restart

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
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSignaler asks the messaging server to reload through an HTTP
// endpoint. Each request is signed with HMAC-SHA256 so the receiver can verify
// it came from the registry. Non-2xx responses are failures.
type WebhookSignaler struct {
	url    string
	secret []byte
	client *http.Client
}

type webhookPayload struct {
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewWebhookSignaler returns a signaler that POSTs to url. A zero or negative
// timeout falls back to defaultWebhookTimeout (10 s).
func NewWebhookSignaler(url, secret string, timeout time.Duration) *WebhookSignaler {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSignaler{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}
}

// Restart POSTs a signed restart request. Headers set on every request:
//
//	Content-Type:           application/json
//	X-Wsregistry-Action:    restart
//	X-Hub-Signature-256:    sha256=<hex-encoded HMAC-SHA256>
func (s *WebhookSignaler) Restart(ctx context.Context, reason string) error {
	payload, err := json.Marshal(webhookPayload{Action: "restart", Reason: reason, RequestedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal restart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wsregistry-Action", "restart")
	req.Header.Set("X-Hub-Signature-256", "sha256="+s.sign(payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send restart webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("restart webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSignaler) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

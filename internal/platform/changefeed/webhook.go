package changefeed

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
	"time"

	"github.com/google/uuid"
)

// Webhook delivery headers.
const (
	HeaderSignature = "X-Unihealth-Signature"
	HeaderDelivery  = "X-Unihealth-Delivery"
	HeaderTimestamp = "X-Unihealth-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookPublisher POSTs each change as JSON to a fixed URL, signed with
// HMAC-SHA256. A non-2xx response is an error; there are no retries.
type WebhookPublisher struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookPublisher validates rawURL and returns a publisher. A nil client
// gets a 10 second timeout.
func NewWebhookPublisher(rawURL, secret string, client *http.Client) (*WebhookPublisher, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{url: u.String(), secret: secret, client: client}, nil
}

func (p *WebhookPublisher) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, p.secret))
	req.Header.Set(HeaderDelivery, uuid.NewString())
	req.Header.Set(HeaderTimestamp, c.At.UTC().Format(time.RFC3339))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

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
	"net/http"
	"strconv"
	"strings"
	"time"

	"foreman/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second

	HeaderEvent     = "X-Foreman-Event"
	HeaderDelivery  = "X-Foreman-Delivery"
	HeaderSignature = "X-Foreman-Signature"
)

// WebhookSink POSTs each envelope as JSON. With a secret set, the body is
// signed with HMAC-SHA256 in the X-Foreman-Signature header.
type WebhookSink struct {
	hook   config.Webhook
	filter EventFilter
	client *http.Client
}

func NewWebhookSink(hook config.Webhook, client *http.Client) (*WebhookSink, error) {
	filter, err := NewEventFilter(hook.Events)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", hook.SinkName(), err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSink{hook: hook, filter: filter, client: client}, nil
}

func (w *WebhookSink) Name() string { return w.hook.SinkName() }

func (w *WebhookSink) Accepts(eventType string) bool { return w.filter.Match(eventType) }

func (w *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, env.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(env.ID, 10))
	if secret := strings.TrimSpace(w.hook.Secret); secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

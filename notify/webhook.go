package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"themis/core"
)

// webhookTimeout bounds a single webhook delivery attempt.
const webhookTimeout = 10 * time.Second

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL       string
	Method    string
	Headers   map[string]string
	AuthToken string
}

// WebhookSink posts alert payloads to an HTTP endpoint.
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookSink creates the webhook channel.
func NewWebhookSink(config WebhookConfig, logger *zap.SugaredLogger) *WebhookSink {
	return &WebhookSink{
		config: config,
		client: &http.Client{
			Timeout: webhookTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send posts the alert as JSON.
func (s *WebhookSink) Send(ctx context.Context, alert *core.Alert) error {
	v := alert.Violation
	payload := map[string]interface{}{
		"alert_id":    alert.AlertID,
		"rule":        v.RuleName,
		"category":    v.Category,
		"severity":    v.Severity,
		"entity_id":   v.EntityID,
		"detail":      v.Detail,
		"detected_at": v.DetectedAt.Format(time.RFC3339),
		"created_at":  alert.CreatedAt.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: s.Name(), Transient: false, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	method := s.config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: s.Name(), Transient: false, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "themis/1.0")
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classifySendError(s.Name(), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPStatus(s.Name(), resp.StatusCode)
	}
	return nil
}

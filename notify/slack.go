package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"themis/core"
)

// severityColors maps severities to Slack attachment colors.
var severityColors = map[string]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

// SlackConfig configures the Slack incoming-webhook channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
}

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	config SlackConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewSlackSink creates the Slack channel.
func NewSlackSink(config SlackConfig, logger *zap.SugaredLogger) *SlackSink {
	return &SlackSink{
		config: config,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

// Send posts the alert in Slack attachment format.
func (s *SlackSink) Send(ctx context.Context, alert *core.Alert) error {
	v := alert.Violation
	color := severityColors[v.Severity]
	if color == "" {
		color = "#757575"
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s compliance violation: %s*", v.Severity, v.RuleName),
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"fields": []map[string]interface{}{
					{"title": "Rule", "value": v.RuleName, "short": true},
					{"title": "Category", "value": v.Category, "short": true},
					{"title": "Entity", "value": fmt.Sprintf("`%s`", v.EntityID), "short": true},
					{"title": "Alert ID", "value": fmt.Sprintf("`%s`", alert.AlertID), "short": true},
					{"title": "Detail", "value": v.Detail, "short": false},
				},
				"footer": "themis",
				"ts":     time.Now().Unix(),
			},
		},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: s.Name(), Transient: false, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: s.Name(), Transient: false, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return classifySendError(s.Name(), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(s.Name(), resp.StatusCode)
	}
	return nil
}

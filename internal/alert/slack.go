package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender builds a Slack sender from cfg.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts the alert as a Slack attachment.
func (s *SlackSender) Send(alert Alert) error {
	emoji := severityEmoji(alert.Severity)
	color := severityColor(alert.Severity)

	payload := map[string]any{
		"channel": s.channel,
		"attachments": []map[string]any{
			{
				"color":  color,
				"title":  fmt.Sprintf("%s AIGOS: %s", emoji, alert.Title),
				"text":   alert.Message,
				"fields": buildSlackFields(alert),
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(alert Alert) []map[string]any {
	fields := []map[string]any{
		{"title": "Type", "value": alert.Type, "short": true},
		{"title": "Severity", "value": alert.Severity, "short": true},
	}
	if alert.AssetID != "" {
		fields = append(fields, map[string]any{"title": "Asset", "value": alert.AssetID, "short": true})
	}
	if alert.InstanceID != "" {
		fields = append(fields, map[string]any{"title": "Instance", "value": alert.InstanceID, "short": true})
	}
	if alert.OrgID != "" {
		fields = append(fields, map[string]any{"title": "Organization", "value": alert.OrgID, "short": true})
	}
	return fields
}

func severityEmoji(severity string) string {
	switch severity {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "#dc3545"
	case SeverityWarning:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}

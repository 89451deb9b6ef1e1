// Package alert delivers operator notifications for governance incidents.
// Senders are fire-and-forget: delivery failures are logged, never surfaced
// to the control path that raised the alert.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// Alert severities, in ascending order of urgency.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a notification about a governance incident.
type Alert struct {
	Type       string         `json:"type"`     // agent_terminated, agent_paused, policy_violation, budget_warning, ...
	Severity   string         `json:"severity"` // info, warning, critical
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	OrgID      string         `json:"org_id,omitempty"`
	AssetID    string         `json:"asset_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sender is a single alert delivery channel.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// Manager fans alerts out to every configured channel, suppressing repeats
// of the same incident key within the dedup window.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // incident key -> last sent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager builds a manager with the senders named in cfg.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// Send dispatches an alert to all channels. Repeats of the same type for the
// same asset and instance inside the dedup window are dropped.
func (m *Manager) Send(alert Alert) {
	alert.Timestamp = time.Now().UTC()

	key := alert.Type + "|" + alert.AssetID + "|" + alert.InstanceID
	m.mu.Lock()
	if last, ok := m.dedup[key]; ok && time.Since(last) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", key)
		return
	}
	m.dedup[key] = time.Now()
	senders := m.senders
	m.mu.Unlock()

	for _, sender := range senders {
		go func(s Sender) {
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// PruneDedup drops stale dedup entries. Call periodically from the host.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders reports whether any alert channel is configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}

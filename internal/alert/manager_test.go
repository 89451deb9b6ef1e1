package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/aigos/aigos/internal/config"
)

type captureSender struct {
	name string
	err  error
	got  chan Alert
}

func newCaptureSender(name string) *captureSender {
	return &captureSender{name: name, got: make(chan Alert, 8)}
}

func (c *captureSender) Name() string { return c.name }

func (c *captureSender) Send(a Alert) error {
	c.got <- a
	return c.err
}

func waitAlert(t *testing.T, c *captureSender) Alert {
	t.Helper()
	select {
	case a := <-c.got:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert delivery")
		return Alert{}
	}
}

// expectNoAlert is only sound once every previously spawned delivery
// goroutine has been drained: suppression happens synchronously in Send, so
// nothing new can arrive after it returns.
func expectNoAlert(t *testing.T, c *captureSender) {
	t.Helper()
	select {
	case a := <-c.got:
		t.Fatalf("unexpected alert delivered: %+v", a)
	default:
	}
}

func testAlert(typ, assetID, instanceID string) Alert {
	return Alert{
		Type:       typ,
		Severity:   SeverityWarning,
		Title:      "Policy violation",
		Message:    "tool not permitted by capability manifest",
		OrgID:      "acme",
		AssetID:    assetID,
		InstanceID: instanceID,
	}
}

func TestNewManager_SendersFromConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AlertsConfig
		want int
	}{
		{"none configured", config.AlertsConfig{}, 0},
		{
			"slack only",
			config.AlertsConfig{Slack: config.SlackAlertConfig{WebhookURL: "https://hooks.slack.example/T0/B0"}},
			1,
		},
		{
			"webhook only",
			config.AlertsConfig{Webhook: config.WebhookAlertConfig{URL: "https://alerts.example/hook"}},
			1,
		},
		{
			"both",
			config.AlertsConfig{
				Slack:   config.SlackAlertConfig{WebhookURL: "https://hooks.slack.example/T0/B0"},
				Webhook: config.WebhookAlertConfig{URL: "https://alerts.example/hook"},
			},
			2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, nil)
			if got := len(m.senders); got != tt.want {
				t.Fatalf("sender count = %d, want %d", got, tt.want)
			}
			if got, want := m.HasSenders(), tt.want > 0; got != want {
				t.Fatalf("HasSenders() = %v, want %v", got, want)
			}
		})
	}
}

func TestManager_SendFansOut(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	first := newCaptureSender("first")
	second := newCaptureSender("second")
	m.senders = append(m.senders, first, second)

	m.Send(testAlert("policy_violation", "agent-1", "inst-1"))

	for _, c := range []*captureSender{first, second} {
		a := waitAlert(t, c)
		if a.Type != "policy_violation" {
			t.Fatalf("sender %s got type %q", c.name, a.Type)
		}
		if a.Timestamp.IsZero() {
			t.Fatalf("sender %s got zero timestamp", c.name)
		}
	}
}

func TestManager_Dedup(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	c := newCaptureSender("capture")
	m.senders = append(m.senders, c)

	m.Send(testAlert("policy_violation", "agent-1", "inst-1"))
	waitAlert(t, c)

	// Same incident key inside the window is dropped.
	m.Send(testAlert("policy_violation", "agent-1", "inst-1"))
	expectNoAlert(t, c)

	// A different instance is a different incident.
	m.Send(testAlert("policy_violation", "agent-1", "inst-2"))
	if a := waitAlert(t, c); a.InstanceID != "inst-2" {
		t.Fatalf("InstanceID = %q, want inst-2", a.InstanceID)
	}

	// Backdate the first key past the TTL and it fires again.
	m.dedup["policy_violation|agent-1|inst-1"] = time.Now().Add(-10 * time.Minute)
	m.Send(testAlert("policy_violation", "agent-1", "inst-1"))
	if a := waitAlert(t, c); a.InstanceID != "inst-1" {
		t.Fatalf("InstanceID = %q, want inst-1", a.InstanceID)
	}
}

func TestManager_PruneDedup(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	now := time.Now()
	m.dedup["fresh|a|i"] = now.Add(-time.Minute)
	m.dedup["aging|a|i"] = now.Add(-9 * time.Minute)
	m.dedup["stale|a|i"] = now.Add(-11 * time.Minute)

	m.PruneDedup()

	if _, ok := m.dedup["fresh|a|i"]; !ok {
		t.Fatal("fresh entry pruned")
	}
	if _, ok := m.dedup["aging|a|i"]; !ok {
		t.Fatal("entry inside twice the TTL pruned")
	}
	if _, ok := m.dedup["stale|a|i"]; ok {
		t.Fatal("stale entry survived prune")
	}
}

func TestManager_SenderFailureDoesNotBlockOthers(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	failing := newCaptureSender("failing")
	failing.err = errors.New("connection refused")
	healthy := newCaptureSender("healthy")
	m.senders = append(m.senders, failing, healthy)

	m.Send(testAlert("budget_warning", "agent-1", "inst-1"))

	waitAlert(t, failing)
	if a := waitAlert(t, healthy); a.Type != "budget_warning" {
		t.Fatalf("healthy sender got type %q", a.Type)
	}
}

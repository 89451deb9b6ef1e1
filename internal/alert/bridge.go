package alert

import (
	"fmt"

	"github.com/aigos/aigos/internal/event"
)

// route names the alert raised for one governance event type.
type route struct {
	alertType string
	title     string
}

// routes lists the event types that page an operator. Everything else flows
// to the event log only.
var routes = map[string]route{
	"killswitch.terminated":        {"agent_terminated", "Agent terminated"},
	"killswitch.paused":            {"agent_paused", "Agent paused"},
	"killswitch.resumed":           {"agent_resumed", "Agent resumed"},
	"killswitch.validation_failed": {"command_rejected", "Kill-switch command rejected"},
	"killswitch.cascade.completed": {"cascade_completed", "Cascade termination completed"},
	"policy.violation":             {"policy_violation", "Policy violation"},
	"policy.budget.warning":        {"budget_warning", "Budget threshold crossed"},
	"handshake.failed":             {"handshake_failure", "A2A handshake failed"},
	"ingest.violation":             {"ingest_violation", "Event ingest rule violation"},
}

// Bridge converts governance events into alerts. It implements event.Sink so
// it can be fanned out next to the ingest sink with event.MultiSink; events
// without a route are ignored.
type Bridge struct {
	manager *Manager
}

// NewBridge wires alertable events into m.
func NewBridge(m *Manager) *Bridge {
	return &Bridge{manager: m}
}

// Emit raises an alert when e's type has a route. The manager's dedup window
// keeps a stream of identical incidents from flooding the channels.
func (b *Bridge) Emit(e *event.Event) {
	r, ok := routes[e.Type]
	if !ok {
		return
	}

	a := Alert{
		Type:     r.alertType,
		Severity: severityFor(e.Criticality),
		Title:    r.title,
		Message:  alertMessage(r, e),
		OrgID:    e.OrgID,
		AssetID:  e.AssetID,
		Details:  e.Data,
	}
	if id, ok := e.Data["instance_id"].(string); ok {
		a.InstanceID = id
	}
	b.manager.Send(a)
}

func severityFor(criticality string) string {
	switch criticality {
	case event.CriticalityCritical:
		return SeverityCritical
	case event.CriticalityHigh:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// alertMessage prefers the reason or finding text recorded on the event.
func alertMessage(r route, e *event.Event) string {
	for _, key := range []string{"reason", "message"} {
		if s, ok := e.Data[key].(string); ok && s != "" {
			return s
		}
	}
	if e.AssetID != "" {
		return fmt.Sprintf("%s on asset %s", r.title, e.AssetID)
	}
	return r.title
}

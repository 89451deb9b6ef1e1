// Package metrics holds the Prometheus instruments for the control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the control plane records. Construct one
// per process and hand it to the components that emit.
type Metrics struct {
	// Policy engine
	Decisions        *prometheus.CounterVec // code, allowed
	DecisionDuration prometheus.Histogram

	// Event ingestion
	EventsIngested *prometheus.CounterVec // channel, status
	RateLimited    *prometheus.CounterVec // channel
	Checkpoints    prometheus.Counter

	// Kill switch
	Commands        *prometheus.CounterVec // type, outcome
	CascadeDuration prometheus.Histogram

	// Tokens
	TokenOps *prometheus.CounterVec // op, outcome
}

// New creates and registers all instruments on reg. Passing nil registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigos_policy_decisions_total",
				Help: "Policy decisions by result code",
			},
			[]string{"code", "allowed"},
		),
		DecisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aigos_policy_decision_duration_seconds",
				Help:    "Policy check latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigos_events_ingested_total",
				Help: "Governance events accepted or rejected per channel",
			},
			[]string{"channel", "status"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigos_rate_limited_total",
				Help: "Requests rejected by the ingestion rate limiter",
			},
			[]string{"channel"},
		),
		Checkpoints: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aigos_merkle_checkpoints_total",
				Help: "Merkle checkpoints sealed",
			},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigos_killswitch_commands_total",
				Help: "Kill-switch commands by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CascadeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aigos_killswitch_cascade_duration_seconds",
				Help:    "End-to-end cascade termination latency",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		TokenOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigos_token_operations_total",
				Help: "Token mint/validate operations by outcome",
			},
			[]string{"op", "outcome"},
		),
	}
}

// ObserveDecision records one policy decision.
func (m *Metrics) ObserveDecision(code string, allowed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(code, boolLabel(allowed)).Inc()
	m.DecisionDuration.Observe(d.Seconds())
}

// ObserveIngest records one event ingestion result.
func (m *Metrics) ObserveIngest(channel, status string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(channel, status).Inc()
}

// ObserveRateLimited records a rate-limit rejection.
func (m *Metrics) ObserveRateLimited(channel string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(channel).Inc()
}

// ObserveCommand records a processed kill-switch command.
func (m *Metrics) ObserveCommand(cmdType, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmdType, outcome).Inc()
}

// ObserveCascade records the duration of a cascade termination.
func (m *Metrics) ObserveCascade(d time.Duration) {
	if m == nil {
		return
	}
	m.CascadeDuration.Observe(d.Seconds())
}

// ObserveCheckpoint records a sealed Merkle checkpoint.
func (m *Metrics) ObserveCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// ObserveToken records a token operation.
func (m *Metrics) ObserveToken(op, outcome string) {
	if m == nil {
		return
	}
	m.TokenOps.WithLabelValues(op, outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

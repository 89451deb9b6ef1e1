// Package policy implements the decision pipeline that governs agent actions.
// A check runs through ordered stages (kill-switch state, capability
// patterns, resource patterns, budget ledgers, schedule window, custom CEL
// rules) and short-circuits on the first deny. An action that no allow
// pattern matched is denied at the end of the pipeline unless the engine is
// configured to default-allow.
package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/capability"
	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/identity"
	"github.com/aigos/aigos/internal/metrics"
)

// Engine evaluates every agent action against the live control state, the
// identity's capability manifest, its budgets, and the configured schedule
// and custom rules.
//
// Engine is safe for concurrent use. The schedule, custom rules, and
// dry-run/default-allow flags can be hot-swapped via Reload without stopping
// traffic; everything else is immutable after construction.
type Engine struct {
	control  ControlState
	patterns *capability.Cache
	ledger   *Ledger
	celEval  *CELEvaluator

	mu           sync.RWMutex
	schedule     *Schedule
	rules        []CustomRule
	dryRun       bool
	defaultAllow bool

	sink    event.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine from configuration. control supplies the
// kill-switch view and may be nil when the engine runs without one. Custom
// rule compile errors and bad schedules are fatal here so they can never
// surface on the hot path.
func NewEngine(cfg config.PolicyConfig, control ControlState, sink event.Sink, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.Discard
	}

	celEval, err := NewCELEvaluator(logger)
	if err != nil {
		return nil, err
	}
	rules, err := celEval.CompileAll(cfg.CustomRules)
	if err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	return &Engine{
		control:      control,
		patterns:     capability.NewCache(cfg.MaxCacheSize),
		ledger:       NewLedger(),
		celEval:      celEval,
		schedule:     schedule,
		rules:        rules,
		dryRun:       cfg.DryRun,
		defaultAllow: cfg.DefaultAllow,
		sink:         sink,
		metrics:      m,
		logger:       logger.With("component", "policy.Engine"),
		now:          time.Now,
	}, nil
}

// Reload recompiles the schedule and custom rules from cfg and atomically
// swaps them in, along with the dry-run and default-allow flags. Safe to
// call while checks are in flight; on error the active set is unchanged.
func (e *Engine) Reload(cfg config.PolicyConfig) error {
	rules, err := e.celEval.CompileAll(cfg.CustomRules)
	if err != nil {
		return fmt.Errorf("reload custom rules: %w", err)
	}
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}

	e.mu.Lock()
	e.schedule = schedule
	e.rules = rules
	e.dryRun = cfg.DryRun
	e.defaultAllow = cfg.DefaultAllow
	e.mu.Unlock()

	e.logger.Info("policy configuration reloaded",
		"custom_rules", len(rules),
		"dry_run", cfg.DryRun,
		"default_allow", cfg.DefaultAllow,
	)
	return nil
}

// Check evaluates one action for the given identity. resource may be empty
// when the action touches no external resource; callCtx carries optional
// evaluation context (a "cost" entry is charged against the budgets).
//
// Stage order, first deny wins:
//
//  1. kill-switch state (terminated, then paused)
//  2. denied tool patterns, then allowed tool patterns
//  3. denied resource patterns
//  4. allowed resource patterns, when any are configured
//  5. budget ledgers (calls per minute, session, daily, monthly)
//  6. schedule window
//  7. custom CEL rules
//
// In dry-run mode a deny is converted to an allow with WouldDeny set. Every
// check emits a decision event; denies also emit a violation event.
func (e *Engine) Check(id *identity.RuntimeIdentity, action, resource string, callCtx map[string]any) Decision {
	start := time.Now()

	e.mu.RLock()
	schedule := e.schedule
	rules := e.rules
	dryRun := e.dryRun
	defaultAllow := e.defaultAllow
	e.mu.RUnlock()

	d, warnings := e.evaluate(id, action, resource, callCtx, schedule, rules, defaultAllow)

	wouldDeny := !d.Allowed
	if wouldDeny && dryRun {
		d.Allowed = true
		d.DryRun = true
		d.WouldDeny = true
	}
	d.CheckedAt = e.now().UTC()
	d.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	if wouldDeny {
		e.logger.Warn("check denied",
			"instance_id", id.InstanceID,
			"action", action,
			"code", d.Code,
			"stage", d.DeniedBy,
			"reason", d.Reason,
			"dry_run", d.DryRun,
		)
	}

	e.metrics.ObserveDecision(d.Code, d.Allowed, time.Since(start))
	for _, w := range warnings {
		e.emitBudgetWarning(id, w)
	}
	e.emitDecision(id, action, resource, d, wouldDeny)

	return d
}

// evaluate runs the raw pipeline and returns the pre-dry-run decision plus
// any budget warnings crossed while committing the reservation.
func (e *Engine) evaluate(id *identity.RuntimeIdentity, action, resource string, callCtx map[string]any, schedule *Schedule, rules []CustomRule, defaultAllow bool) (Decision, []BudgetWarning) {
	caps := id.Capabilities
	if caps == nil {
		caps = &capability.Manifest{}
	}

	// Stage 1: kill-switch state.
	if e.control != nil {
		st := e.control.ControlStatus(id.InstanceID, id.AssetID)
		if st.Terminated {
			return deny(StageKillSwitch, CodeTerminated, withDetail("agent is terminated", st.Reason)), nil
		}
		if st.Paused {
			return deny(StageKillSwitch, CodePaused, withDetail("agent is paused", st.Reason)), nil
		}
	}

	// Stage 2: capability patterns. A deny pattern wins over an allow.
	for _, p := range caps.DeniedTools {
		if e.patterns.Match(p, action) {
			return deny(StageCapability, CodeCapabilityDenied,
				fmt.Sprintf("action %q matches denied pattern %q", action, p)), nil
		}
	}
	allowFired := e.patterns.MatchAny(caps.AllowedTools, action)

	// Stages 3 and 4: resource patterns, skipped when no resource is named.
	if resource != "" {
		for _, p := range caps.DeniedDomains {
			if e.patterns.MatchDomain(p, resource) {
				return deny(StageResourceDeny, CodeResourceDenied,
					fmt.Sprintf("resource %q matches denied pattern %q", resource, p)), nil
			}
		}
		if len(caps.AllowedDomains) > 0 {
			if !e.patterns.MatchAnyDomain(caps.AllowedDomains, resource) {
				return deny(StageResourceAllow, CodeResourceNotAllowed,
					fmt.Sprintf("resource %q matches no allowed pattern", resource)), nil
			}
			allowFired = true
		}
	}

	// Stage 5: budgets. Reserve commits against every counter or none.
	outcome := e.ledger.Reserve(id, costFrom(callCtx))
	if outcome.Exceeded {
		return deny(StageBudget, outcome.Code, outcome.Reason), outcome.Warnings
	}

	// Stage 6: schedule window.
	if !schedule.Allows(e.now()) {
		return deny(StageSchedule, CodeScheduleDenied,
			"outside allowed schedule ("+schedule.Describe()+")"), outcome.Warnings
	}

	// Stage 7: custom CEL rules. Evaluation errors fail closed.
	for _, rule := range rules {
		fired, err := e.celEval.Evaluate(rule, id, action, resource, callCtx)
		if err != nil {
			e.logger.Error("custom rule evaluation failed, denying",
				"rule", rule.Name,
				"error", err,
			)
			return deny(StageCustom, CodeCustomDenied,
				fmt.Sprintf("rule %q evaluation error", rule.Name)), outcome.Warnings
		}
		if fired {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("denied by rule %q", rule.Name)
			}
			return deny(StageCustom, CodeCustomDenied, msg), outcome.Warnings
		}
	}

	if allowFired || defaultAllow {
		return allow("all checks passed"), outcome.Warnings
	}
	return deny(StageCustom, CodeCustomDenied,
		fmt.Sprintf("no allow rule matched action %q", action)), outcome.Warnings
}

// Usage reports the identity's current spend without charging anything.
func (e *Engine) Usage(id *identity.RuntimeIdentity) Usage {
	return e.ledger.Usage(id)
}

// ReleaseSession drops per-instance budget counters once an instance exits.
func (e *Engine) ReleaseSession(instanceID string) {
	e.ledger.ReleaseSession(instanceID)
}

// CacheStats returns pattern cache hit/miss counters and size.
func (e *Engine) CacheStats() capability.CacheStats {
	return e.patterns.Stats()
}

// RuleCount returns the number of active custom rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) emitDecision(id *identity.RuntimeIdentity, action, resource string, d Decision, wouldDeny bool) {
	criticality := event.CriticalityNormal
	if wouldDeny {
		criticality = event.CriticalityHigh
	}
	data := map[string]any{
		"instance_id": id.InstanceID,
		"action":      action,
		"allowed":     d.Allowed,
		"code":        d.Code,
		"reason":      d.Reason,
		"duration_ms": d.DurationMs,
	}
	if resource != "" {
		data["resource"] = resource
	}
	if d.DeniedBy != "" {
		data["denied_by"] = d.DeniedBy
	}
	if d.DryRun {
		data["dry_run"] = true
		data["would_deny"] = true
	}
	e.emit("policy.decision", criticality, id, data)

	if wouldDeny {
		e.emit("policy.violation", event.CriticalityHigh, id, data)
	}
}

func (e *Engine) emitBudgetWarning(id *identity.RuntimeIdentity, w BudgetWarning) {
	e.logger.Warn("budget warning threshold crossed",
		"instance_id", id.InstanceID,
		"scope", w.Scope,
		"used", w.Used,
		"cap", w.Cap,
	)
	e.emit("policy.budget.warning", event.CriticalityHigh, id, map[string]any{
		"instance_id": id.InstanceID,
		"scope":       w.Scope,
		"used":        w.Used,
		"cap":         w.Cap,
	})
}

func (e *Engine) emit(eventType, criticality string, id *identity.RuntimeIdentity, data map[string]any) {
	var thread *event.GoldenThreadRef
	if id.GoldenThread.TicketID != "" {
		thread = &event.GoldenThreadRef{
			TicketID:   id.GoldenThread.TicketID,
			ApprovedBy: id.GoldenThread.ApprovedBy,
			ApprovedAt: id.GoldenThread.ApprovedAt,
		}
	}
	ev, err := event.New(event.Params{
		Type:         eventType,
		Category:     "policy",
		Criticality:  criticality,
		Source:       "aigos.policy",
		OrgID:        id.Organization,
		AssetID:      id.AssetID,
		GoldenThread: thread,
		Data:         data,
	})
	if err != nil {
		e.logger.Error("failed to build policy event", "type", eventType, "error", err)
		return
	}
	e.sink.Emit(ev)
}

// withDetail appends a non-empty detail to a base reason.
func withDetail(base, detail string) string {
	if detail == "" {
		return base
	}
	return base + ": " + detail
}

// costFrom extracts the optional per-call cost from the check context.
func costFrom(callCtx map[string]any) float64 {
	switch v := callCtx["cost"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

package policy

import "time"

// Pipeline stages, in evaluation order. The stage that denies is recorded on
// the decision.
const (
	StageKillSwitch    = "KILL_SWITCH"
	StageCapability    = "CAPABILITY"
	StageResourceDeny  = "RESOURCE_DENY"
	StageResourceAllow = "RESOURCE_ALLOW"
	StageBudget        = "BUDGET"
	StageSchedule      = "SCHEDULE"
	StageCustom        = "CUSTOM"
)

// Decision codes.
const (
	CodeAllowed            = "ALLOWED"
	CodeTerminated         = "TERMINATED"
	CodePaused             = "PAUSED"
	CodeCapabilityDenied   = "CAPABILITY_DENIED"
	CodeResourceDenied     = "RESOURCE_DENIED"
	CodeResourceNotAllowed = "RESOURCE_NOT_ALLOWED"
	CodeBudgetExceeded     = "BUDGET_EXCEEDED"
	CodeRateExceeded       = "RATE_EXCEEDED"
	CodeScheduleDenied     = "SCHEDULE_DENIED"
	CodeCustomDenied       = "CUSTOM_DENIED"
)

// Decision is the outcome of one policy check. In dry-run mode a deny is
// reported as allowed with WouldDeny set, so callers can roll a policy out
// observationally before enforcing it.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason"`
	Code       string    `json:"code"`
	CheckedAt  time.Time `json:"checked_at"`
	DurationMs float64   `json:"duration_ms"`
	DeniedBy   string    `json:"denied_by,omitempty"`
	DryRun     bool      `json:"dry_run,omitempty"`
	WouldDeny  bool      `json:"would_deny,omitempty"`
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason, Code: CodeAllowed}
}

func deny(stage, code, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Code: code, DeniedBy: stage}
}

package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/identity"
)

// warnThreshold is the budget fraction at which a warning fires, once per
// window.
const warnThreshold = 0.8

// BudgetWarning reports a budget crossing its warning threshold during a
// successful reservation.
type BudgetWarning struct {
	Scope string  `json:"scope"` // session, daily, monthly
	Used  float64 `json:"used"`
	Cap   float64 `json:"cap"`
}

// BudgetOutcome is the result of one reservation attempt. A reservation
// either commits against every counter or mutates nothing.
type BudgetOutcome struct {
	Exceeded bool
	Code     string
	Reason   string
	Warnings []BudgetWarning
}

type costWindow struct {
	used   float64
	start  time.Time
	warned bool
}

type callWindow struct {
	count int
	start time.Time
}

// Ledger tracks spend and call counts against manifest caps. Session spend is
// keyed by instance and lives for the instance's lifetime; daily and monthly
// spend are keyed by (org, asset) and roll at UTC wall-clock boundaries;
// calls-per-minute is a fixed window keyed by instance. Reservation is
// check-then-commit under one lock so concurrent checks can never overshoot
// a cap between the check and the increment.
type Ledger struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*costWindow
	daily    map[string]*costWindow
	monthly  map[string]*costWindow
	calls    map[string]*callWindow
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		now:      time.Now,
		sessions: make(map[string]*costWindow),
		daily:    make(map[string]*costWindow),
		monthly:  make(map[string]*costWindow),
		calls:    make(map[string]*callWindow),
	}
}

// Reserve attempts to account one call with the given cost against every
// applicable cap from the identity's manifest. Caps of zero are unlimited.
func (l *Ledger) Reserve(id *identity.RuntimeIdentity, cost float64) BudgetOutcome {
	caps := id.Capabilities
	if caps == nil {
		return BudgetOutcome{}
	}
	orgAsset := id.Organization + "|" + id.AssetID

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	session := l.window(l.sessions, id.InstanceID, now, neverRolls)
	day := l.window(l.daily, orgAsset, now, sameUTCDay)
	month := l.window(l.monthly, orgAsset, now, sameUTCMonth)
	calls := l.callWindow(id.InstanceID, now)

	if caps.MaxCallsPerMinute > 0 && calls.count+1 > caps.MaxCallsPerMinute {
		return BudgetOutcome{
			Exceeded: true,
			Code:     CodeRateExceeded,
			Reason:   fmt.Sprintf("calls-per-minute cap %d reached", caps.MaxCallsPerMinute),
		}
	}
	if caps.MaxCostPerSession > 0 && session.used+cost > caps.MaxCostPerSession {
		return BudgetOutcome{
			Exceeded: true,
			Code:     CodeBudgetExceeded,
			Reason: fmt.Sprintf("session budget exceeded: %.4f + %.4f > cap %.4f",
				session.used, cost, caps.MaxCostPerSession),
		}
	}
	if caps.MaxCostPerDay > 0 && day.used+cost > caps.MaxCostPerDay {
		return BudgetOutcome{
			Exceeded: true,
			Code:     CodeBudgetExceeded,
			Reason: fmt.Sprintf("daily budget exceeded: %.4f + %.4f > cap %.4f",
				day.used, cost, caps.MaxCostPerDay),
		}
	}
	if caps.MaxCostPerMonth > 0 && month.used+cost > caps.MaxCostPerMonth {
		return BudgetOutcome{
			Exceeded: true,
			Code:     CodeBudgetExceeded,
			Reason: fmt.Sprintf("monthly budget exceeded: %.4f + %.4f > cap %.4f",
				month.used, cost, caps.MaxCostPerMonth),
		}
	}

	// All caps clear: commit.
	calls.count++
	session.used += cost
	day.used += cost
	month.used += cost

	var warnings []BudgetWarning
	warnings = appendWarning(warnings, "session", session, caps.MaxCostPerSession)
	warnings = appendWarning(warnings, "daily", day, caps.MaxCostPerDay)
	warnings = appendWarning(warnings, "monthly", month, caps.MaxCostPerMonth)
	return BudgetOutcome{Warnings: warnings}
}

// Usage is a point-in-time snapshot of one identity's spend.
type Usage struct {
	SessionCost     float64 `json:"session_cost"`
	DailyCost       float64 `json:"daily_cost"`
	MonthlyCost     float64 `json:"monthly_cost"`
	CallsThisMinute int     `json:"calls_this_minute"`
}

// Usage reports current spend for the identity without mutating anything.
func (l *Ledger) Usage(id *identity.RuntimeIdentity) Usage {
	orgAsset := id.Organization + "|" + id.AssetID

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()

	var u Usage
	if w, ok := l.sessions[id.InstanceID]; ok {
		u.SessionCost = w.used
	}
	if w, ok := l.daily[orgAsset]; ok && sameUTCDay(w.start, now) {
		u.DailyCost = w.used
	}
	if w, ok := l.monthly[orgAsset]; ok && sameUTCMonth(w.start, now) {
		u.MonthlyCost = w.used
	}
	if w, ok := l.calls[id.InstanceID]; ok && w.start.Equal(now.Truncate(time.Minute)) {
		u.CallsThisMinute = w.count
	}
	return u
}

// ReleaseSession drops the per-instance counters once an instance exits.
func (l *Ledger) ReleaseSession(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, instanceID)
	delete(l.calls, instanceID)
}

// window fetches a cost window, rolling it when the sameWindow predicate says
// the stored window no longer covers now.
func (l *Ledger) window(m map[string]*costWindow, key string, now time.Time, sameWindow func(a, b time.Time) bool) *costWindow {
	w, ok := m[key]
	if !ok || !sameWindow(w.start, now) {
		w = &costWindow{start: now}
		m[key] = w
	}
	return w
}

func (l *Ledger) callWindow(key string, now time.Time) *callWindow {
	minute := now.Truncate(time.Minute)
	w, ok := l.calls[key]
	if !ok || !w.start.Equal(minute) {
		w = &callWindow{start: minute}
		l.calls[key] = w
	}
	return w
}

func appendWarning(warnings []BudgetWarning, scope string, w *costWindow, cap float64) []BudgetWarning {
	if cap <= 0 || w.warned || w.used < warnThreshold*cap {
		return warnings
	}
	w.warned = true
	return append(warnings, BudgetWarning{Scope: scope, Used: w.used, Cap: cap})
}

func neverRolls(a, b time.Time) bool { return true }

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sameUTCMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}

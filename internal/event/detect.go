package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/canonical"
	"github.com/aigos/aigos/internal/config"
)

// maxTrackedSignatures caps the per-asset signature table; stale entries are
// swept once it is exceeded.
const maxTrackedSignatures = 1024

// LoopRule flags an asset stuck re-reporting the same event. The signature
// is the event type plus the canonical hash of its data, so fresh IDs and
// produced-at timestamps do not disguise a repeat.
type LoopRule struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	// org/asset -> signature -> timestamps inside the window
	windows map[string]map[string][]time.Time
	now     func() time.Time
}

// NewLoopRule builds a loop rule from cfg, falling back to 10 repeats per
// minute when unset.
func NewLoopRule(cfg config.LoopDetectConfig) *LoopRule {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 10
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &LoopRule{
		threshold: threshold,
		window:    window,
		windows:   make(map[string]map[string][]time.Time),
		now:       time.Now,
	}
}

func (r *LoopRule) Name() string { return "loop" }

func (r *LoopRule) Evaluate(e *Event) []Finding {
	sig := loopSignature(e)
	key := e.OrgID + "/" + e.AssetID

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	asset, ok := r.windows[key]
	if !ok {
		asset = make(map[string][]time.Time)
		r.windows[key] = asset
	}

	timestamps := append(asset[sig], now)
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	asset[sig] = pruned

	if len(asset) > maxTrackedSignatures {
		for s, tss := range asset {
			if len(tss) == 0 || !tss[len(tss)-1].After(cutoff) {
				delete(asset, s)
			}
		}
	}

	if len(pruned) > r.threshold {
		return []Finding{{
			Outcome: OutcomeViolation,
			Message: fmt.Sprintf("asset repeating %s: %d identical events in %s (threshold %d)",
				e.Type, len(pruned), r.window, r.threshold),
		}}
	}
	return nil
}

// loopSignature collapses an event to type plus canonical data digest.
func loopSignature(e *Event) string {
	if len(e.Data) == 0 {
		return e.Type
	}
	h, err := canonical.HashJCS(e.Data)
	if err != nil {
		return e.Type
	}
	return e.Type + ":" + h
}

// VelocityRule flags an asset emitting events faster than threshold per
// second for a sustained stretch. Loop detection catches identical repeats;
// velocity catches a runaway reporter whose events all differ.
type VelocityRule struct {
	mu        sync.Mutex
	threshold int
	sustained time.Duration
	// org/asset -> event timestamps
	windows map[string][]time.Time
	// org/asset -> when the rate first crossed the threshold
	breach map[string]time.Time
	now    func() time.Time
}

// NewVelocityRule builds a velocity rule from cfg, falling back to 20
// events per second sustained for 5 seconds when unset.
func NewVelocityRule(cfg config.VelocityDetectConfig) *VelocityRule {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 20
	}
	sustained := cfg.SustainedSeconds
	if sustained <= 0 {
		sustained = 5
	}
	return &VelocityRule{
		threshold: threshold,
		sustained: time.Duration(sustained) * time.Second,
		windows:   make(map[string][]time.Time),
		breach:    make(map[string]time.Time),
		now:       time.Now,
	}
}

func (r *VelocityRule) Name() string { return "velocity" }

func (r *VelocityRule) Evaluate(e *Event) []Finding {
	key := e.OrgID + "/" + e.AssetID

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	timestamps := append(r.windows[key], now)
	cutoff := now.Add(-(r.sustained + time.Second))
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	r.windows[key] = pruned

	oneSecAgo := now.Add(-time.Second)
	recent := 0
	for _, ts := range pruned {
		if ts.After(oneSecAgo) {
			recent++
		}
	}

	if recent <= r.threshold {
		delete(r.breach, key)
		return nil
	}

	start, ok := r.breach[key]
	if !ok {
		r.breach[key] = now
		return nil
	}
	if held := now.Sub(start); held >= r.sustained {
		return []Finding{{
			Outcome: OutcomeWarning,
			Message: fmt.Sprintf("event velocity breach: %d events/sec sustained for %s (threshold %d/sec for %s)",
				recent, held.Round(time.Second), r.threshold, r.sustained),
		}}
	}
	return nil
}

package capability

import (
	"errors"
	"fmt"
	"math"
)

// Derivation error codes, surfaced to callers alongside the sentinel errors.
const (
	CodeDepthExceeded     = "DEPTH_EXCEEDED"
	CodeInvalidCapability = "INVALID_CAPABILITY"
)

var (
	// ErrDepthExceeded means the parent's max_child_depth forbids another
	// generation.
	ErrDepthExceeded = errors.New("spawn depth limit exceeded")
	// ErrNotSubsumed means an explicit child manifest asked for more than
	// its parent holds.
	ErrNotSubsumed = errors.New("child manifest exceeds parent capabilities")
	// ErrSpawnForbidden means the parent manifest has spawning switched off.
	ErrSpawnForbidden = errors.New("agent may not spawn children")
)

// Derive computes a child manifest from its parent. parentDepth is the
// parent's generation depth; the child lands at parentDepth+1. The depth
// bound is enforced for every mode; explicit additionally requires the
// requested manifest to be strictly subsumed by the parent.
func Derive(parent *Manifest, parentDepth int, mode Mode, explicit *Manifest) (*Manifest, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent manifest is required")
	}
	if !parent.MaySpawnChildren {
		return nil, ErrSpawnForbidden
	}

	childDepth := parentDepth + 1
	if childDepth > parent.MaxChildDepth {
		return nil, fmt.Errorf("%w: child depth %d exceeds max %d", ErrDepthExceeded, childDepth, parent.MaxChildDepth)
	}

	switch mode {
	case ModeInherit:
		return parent.Clone(), nil

	case ModeDecay:
		child := parent.Clone()
		child.MaxCostPerSession = parent.MaxCostPerSession * DecayFactor
		child.MaxCostPerDay = parent.MaxCostPerDay * DecayFactor
		child.MaxCostPerMonth = parent.MaxCostPerMonth * DecayFactor
		child.MaxTokensPerCall = decayInt(parent.MaxTokensPerCall)
		child.MaxCallsPerMinute = decayInt(parent.MaxCallsPerMinute)
		// A decayed child keeps spawn rights only while a grandchild would
		// still fit under the depth bound.
		child.MaySpawnChildren = parent.MaxChildDepth > childDepth+1
		return child, nil

	case ModeExplicit:
		if explicit == nil {
			return nil, fmt.Errorf("explicit mode requires a child manifest")
		}
		if err := CheckSubsumed(explicit, parent); err != nil {
			return nil, err
		}
		return explicit.Clone(), nil

	default:
		return nil, fmt.Errorf("unknown capability mode %q", mode)
	}
}

func decayInt(n int) int {
	if n <= 0 {
		return n
	}
	return int(math.Floor(float64(n) * DecayFactor))
}

// CheckSubsumed verifies that every field of child asks for no more than the
// parent holds: allowed pattern sets must be subsets, parent denials must be
// preserved, and numeric caps must not grow.
func CheckSubsumed(child, parent *Manifest) error {
	if !patternSubset(child.AllowedTools, parent.AllowedTools) {
		return fmt.Errorf("%w: allowed_tools is not a subset of parent", ErrNotSubsumed)
	}
	if !containsAll(child.DeniedTools, parent.DeniedTools) {
		return fmt.Errorf("%w: parent denied_tools must be preserved", ErrNotSubsumed)
	}
	if !patternSubset(child.AllowedDomains, parent.AllowedDomains) {
		return fmt.Errorf("%w: allowed_domains is not a subset of parent", ErrNotSubsumed)
	}
	if !containsAll(child.DeniedDomains, parent.DeniedDomains) {
		return fmt.Errorf("%w: parent denied_domains must be preserved", ErrNotSubsumed)
	}
	if child.MaxCostPerSession > parent.MaxCostPerSession {
		return fmt.Errorf("%w: max_cost_per_session %.2f > parent %.2f", ErrNotSubsumed, child.MaxCostPerSession, parent.MaxCostPerSession)
	}
	if child.MaxCostPerDay > parent.MaxCostPerDay {
		return fmt.Errorf("%w: max_cost_per_day %.2f > parent %.2f", ErrNotSubsumed, child.MaxCostPerDay, parent.MaxCostPerDay)
	}
	if child.MaxCostPerMonth > parent.MaxCostPerMonth {
		return fmt.Errorf("%w: max_cost_per_month %.2f > parent %.2f", ErrNotSubsumed, child.MaxCostPerMonth, parent.MaxCostPerMonth)
	}
	if child.MaxTokensPerCall > parent.MaxTokensPerCall {
		return fmt.Errorf("%w: max_tokens_per_call %d > parent %d", ErrNotSubsumed, child.MaxTokensPerCall, parent.MaxTokensPerCall)
	}
	if child.MaxCallsPerMinute > parent.MaxCallsPerMinute {
		return fmt.Errorf("%w: max_calls_per_minute %d > parent %d", ErrNotSubsumed, child.MaxCallsPerMinute, parent.MaxCallsPerMinute)
	}
	if child.MaxChildDepth > parent.MaxChildDepth {
		return fmt.Errorf("%w: max_child_depth %d > parent %d", ErrNotSubsumed, child.MaxChildDepth, parent.MaxChildDepth)
	}
	if child.MaySpawnChildren && !parent.MaySpawnChildren {
		return fmt.Errorf("%w: parent may not spawn children", ErrNotSubsumed)
	}
	return nil
}

// patternSubset reports whether every pattern in child is covered by some
// pattern in parent. Coverage is syntactic: an exact child pattern may match
// a parent wildcard, but a child wildcard is only covered by an equal or
// broader parent wildcard.
func patternSubset(child, parent []string) bool {
	for _, c := range child {
		if !patternCovered(c, parent) {
			return false
		}
	}
	return true
}

func patternCovered(c string, parent []string) bool {
	for _, p := range parent {
		if p == "*" || p == c {
			return true
		}
		cc := compilePattern(c, false)
		pc := compilePattern(p, false)
		switch pc.kind {
		case kindPrefix:
			// "foo*" covers exact "foobar" and narrower prefixes "foobar*".
			if cc.kind == kindExact && len(cc.literal) >= len(pc.literal) && cc.literal[:len(pc.literal)] == pc.literal {
				return true
			}
			if cc.kind == kindPrefix && len(cc.literal) >= len(pc.literal) && cc.literal[:len(pc.literal)] == pc.literal {
				return true
			}
		case kindSuffix:
			if cc.kind == kindExact && len(cc.literal) >= len(pc.literal) && cc.literal[len(cc.literal)-len(pc.literal):] == pc.literal {
				return true
			}
			if cc.kind == kindSuffix && len(cc.literal) >= len(pc.literal) && cc.literal[len(cc.literal)-len(pc.literal):] == pc.literal {
				return true
			}
		}
	}
	return false
}

// containsAll reports whether child contains every pattern in required.
func containsAll(child, required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range child {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

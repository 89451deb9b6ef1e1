// Package capability implements the capability calculus: the manifest of
// permissions attached to every agent identity, the pattern language those
// permissions are expressed in, and the derivation rules that shrink a
// manifest when an agent spawns a child.
package capability

import (
	"slices"

	"github.com/aigos/aigos/internal/canonical"
)

// Mode selects how a child manifest is derived from its parent.
type Mode string

const (
	// ModeDecay shrinks every numeric cap by the decay factor.
	ModeDecay Mode = "decay"
	// ModeInherit copies the parent manifest unchanged.
	ModeInherit Mode = "inherit"
	// ModeExplicit takes the child manifest from the caller, subject to
	// strict subsumption against the parent.
	ModeExplicit Mode = "explicit"
)

// DecayFactor is applied to each numeric cap under ModeDecay. Integer caps
// round down.
const DecayFactor = 0.8

// Manifest is the permission vector of one agent: which tool and domain
// patterns it may touch, whether and how deep it may spawn, and its spend
// ceilings.
type Manifest struct {
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`
	DeniedTools       []string `json:"denied_tools" yaml:"denied_tools"`
	AllowedDomains    []string `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains     []string `json:"denied_domains" yaml:"denied_domains"`
	MaySpawnChildren  bool     `json:"may_spawn_children" yaml:"may_spawn_children"`
	MaxChildDepth     int      `json:"max_child_depth" yaml:"max_child_depth"`
	Mode              Mode     `json:"capability_mode" yaml:"capability_mode"`
	MaxCostPerSession float64  `json:"max_cost_per_session" yaml:"max_cost_per_session"`
	MaxCostPerDay     float64  `json:"max_cost_per_day" yaml:"max_cost_per_day"`
	MaxCostPerMonth   float64  `json:"max_cost_per_month" yaml:"max_cost_per_month"`
	MaxTokensPerCall  int      `json:"max_tokens_per_call" yaml:"max_tokens_per_call"`
	MaxCallsPerMinute int      `json:"max_calls_per_minute" yaml:"max_calls_per_minute"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.AllowedTools = slices.Clone(m.AllowedTools)
	out.DeniedTools = slices.Clone(m.DeniedTools)
	out.AllowedDomains = slices.Clone(m.AllowedDomains)
	out.DeniedDomains = slices.Clone(m.DeniedDomains)
	return &out
}

// manifestCanonical fixes the hashed key sequence for capability hashes.
// Pattern lists are sorted so equivalent manifests hash identically.
type manifestCanonical struct {
	AllowedTools      []string `json:"allowed_tools"`
	DeniedTools       []string `json:"denied_tools"`
	AllowedDomains    []string `json:"allowed_domains"`
	DeniedDomains     []string `json:"denied_domains"`
	MaxCostPerSession float64  `json:"max_cost_per_session"`
	MaxCostPerDay     float64  `json:"max_cost_per_day"`
	MaySpawnChildren  bool     `json:"may_spawn_children"`
	MaxChildDepth     int      `json:"max_child_depth"`
}

func sortedClone(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

// Hash computes the canonical capability hash: fixed key order, sorted
// pattern lists, rendered "sha256:<hex>".
func (m *Manifest) Hash() (string, error) {
	return canonical.HashCompact(manifestCanonical{
		AllowedTools:      sortedClone(m.AllowedTools),
		DeniedTools:       sortedClone(m.DeniedTools),
		AllowedDomains:    sortedClone(m.AllowedDomains),
		DeniedDomains:     sortedClone(m.DeniedDomains),
		MaxCostPerSession: m.MaxCostPerSession,
		MaxCostPerDay:     m.MaxCostPerDay,
		MaySpawnChildren:  m.MaySpawnChildren,
		MaxChildDepth:     m.MaxChildDepth,
	})
}

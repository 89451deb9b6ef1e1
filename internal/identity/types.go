// Package identity mints and verifies runtime identities for governed agents.
// Every identity carries a Golden Thread — the hash-bound link between a live
// agent instance and the business approval that authorized it — plus the
// capability manifest and lineage that the policy engine and kill-switch act
// on.
package identity

import (
	"time"

	"github.com/aigos/aigos/internal/capability"
)

// RiskLevel classifies an agent asset per its governance review.
type RiskLevel string

const (
	RiskMinimal      RiskLevel = "minimal"
	RiskLimited      RiskLevel = "limited"
	RiskHigh         RiskLevel = "high"
	RiskUnacceptable RiskLevel = "unacceptable"
)

// rank orders risk levels for ceiling comparisons. Unknown levels rank
// highest so they never slip under a cap.
func (r RiskLevel) rank() int {
	switch r {
	case RiskMinimal:
		return 0
	case RiskLimited:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// AtMost reports whether r is at or below the given ceiling.
func (r RiskLevel) AtMost(max RiskLevel) bool {
	return r.rank() <= max.rank()
}

// Mode is the operating mode an identity runs under.
type Mode string

const (
	ModeNormal     Mode = "NORMAL"
	ModeSandbox    Mode = "SANDBOX"
	ModeRestricted Mode = "RESTRICTED"
)

// GoldenThread is the approval record an identity is bound to.
type GoldenThread struct {
	TicketID   string `json:"ticket_id"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
	Hash       string `json:"hash,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// Lineage records where an identity sits in its spawn tree.
type Lineage struct {
	ParentInstanceID string    `json:"parent_instance_id,omitempty"`
	RootInstanceID   string    `json:"root_instance_id"`
	AncestorChain    []string  `json:"ancestor_chain"`
	GenerationDepth  int       `json:"generation_depth"`
	SpawnedAt        time.Time `json:"spawned_at"`
}

// RuntimeIdentity is the durable identity of one live agent instance.
// Instance IDs are fresh UUIDs and never reused.
type RuntimeIdentity struct {
	InstanceID       string               `json:"instance_id"`
	AssetID          string               `json:"asset_id"`
	AssetName        string               `json:"asset_name"`
	AssetVersion     string               `json:"asset_version"`
	Organization     string               `json:"organization"`
	RiskLevel        RiskLevel            `json:"risk_level"`
	Mode             Mode                 `json:"mode"`
	GoldenThread     GoldenThread         `json:"golden_thread"`
	GoldenThreadHash string               `json:"golden_thread_hash"`
	Verified         bool                 `json:"verified"`
	Capabilities     *capability.Manifest `json:"capabilities_manifest"`
	Lineage          Lineage              `json:"lineage"`
	CreatedAt        time.Time            `json:"created_at"`
}

// IsRoot reports whether this identity was started directly rather than
// spawned by another agent.
func (id *RuntimeIdentity) IsRoot() bool {
	return id.Lineage.ParentInstanceID == ""
}

// AssetRecord is the reviewed agent asset an identity is created from.
type AssetRecord struct {
	AssetID      string       `json:"asset_id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Organization string       `json:"organization"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	Mode         Mode         `json:"mode,omitempty"`
	GoldenThread GoldenThread `json:"golden_thread"`
}

// VerificationResult is the outcome of re-checking an identity's invariants.
type VerificationResult struct {
	Verified bool     `json:"verified"`
	Errors   []string `json:"errors,omitempty"`
}

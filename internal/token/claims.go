// Package token mints and validates A2A governance tokens: short-lived JWTs
// carrying an agent's identity, approval linkage, capability hash, lineage,
// and live control state, so a peer can decide whether to accept a call
// before any work happens. The wire format is JWT compact serialization with
// header typ AIGOS-GOV+jwt and a required kid.
package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType is the required value of the JWT typ header.
const TokenType = "AIGOS-GOV+jwt"

// Headers exchanged on governed A2A calls.
const (
	HeaderToken           = "X-AIGOS-Token"
	HeaderProtocolVersion = "X-AIGOS-Protocol-Version"
	HeaderRequestID       = "X-AIGOS-Request-ID"

	ProtocolVersion = "1.0"
)

// Validation error codes.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeExpired            = "EXPIRED"
	CodeNotYetValid        = "NOT_YET_VALID"
	CodeInvalidIssuer      = "INVALID_ISSUER"
	CodeInvalidAudience    = "INVALID_AUDIENCE"
	CodeMissingClaims      = "MISSING_CLAIMS"
	CodeInvalidClaims      = "INVALID_CLAIMS"
	CodeKeyNotFound        = "KEY_NOT_FOUND"
	CodePausedAgent        = "PAUSED_AGENT"
	CodeTerminationPending = "TERMINATION_PENDING"
	CodePolicyViolation    = "POLICY_VIOLATION"
)

// IdentityClaim names the agent instance the token speaks for.
type IdentityClaim struct {
	InstanceID   string `json:"instance_id"`
	AssetID      string `json:"asset_id"`
	AssetName    string `json:"asset_name,omitempty"`
	AssetVersion string `json:"asset_version,omitempty"`
	Organization string `json:"organization"`
	RiskLevel    string `json:"risk_level"`
	Mode         string `json:"mode"`
}

// GovernanceClaim carries the approval linkage: under whose authority the
// agent runs, and whether its Golden Thread verified at mint time.
type GovernanceClaim struct {
	TicketID         string `json:"ticket_id"`
	ApprovedBy       string `json:"approved_by"`
	ApprovedAt       string `json:"approved_at"`
	GoldenThreadHash string `json:"golden_thread_hash"`
	Verified         bool   `json:"verified"`
}

// ControlClaim is the live kill-switch snapshot at mint time.
type ControlClaim struct {
	KillSwitchEnabled  bool `json:"kill_switch_enabled"`
	Paused             bool `json:"paused"`
	TerminationPending bool `json:"termination_pending"`
}

// CapabilitiesClaim summarizes the manifest. The hash commits to the full
// manifest without shipping its pattern lists.
type CapabilitiesClaim struct {
	Hash             string `json:"hash"`
	MaySpawnChildren bool   `json:"may_spawn_children"`
	MaxChildDepth    int    `json:"max_child_depth"`
}

// LineageClaim records the agent's position in its spawn tree.
type LineageClaim struct {
	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	RootInstanceID   string `json:"root_instance_id"`
	GenerationDepth  int    `json:"generation_depth"`
}

// GovernanceClaims is the aigos claim block.
type GovernanceClaims struct {
	Identity     IdentityClaim     `json:"identity"`
	Governance   GovernanceClaim   `json:"governance"`
	Control      ControlClaim      `json:"control"`
	Capabilities CapabilitiesClaim `json:"capabilities"`
	Lineage      LineageClaim      `json:"lineage"`
}

// wellFormed checks the invariant fields a peer relies on.
func (g *GovernanceClaims) wellFormed() error {
	if g.Identity.InstanceID == "" || g.Identity.AssetID == "" || g.Identity.Organization == "" {
		return errors.New("identity claim requires instance_id, asset_id and organization")
	}
	if g.Capabilities.Hash == "" {
		return errors.New("capabilities claim requires the manifest hash")
	}
	return nil
}

// Claims is the full governance token payload.
type Claims struct {
	jwt.RegisteredClaims
	AIGOS *GovernanceClaims `json:"aigos,omitempty"`
}

package token

import (
	"fmt"
	"slices"

	"github.com/aigos/aigos/internal/capability"
	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/identity"
)

// A2A exchange directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// PeerHook is a custom check run after the built-in rules. A non-nil error
// denies the exchange with POLICY_VIOLATION.
type PeerHook func(direction string, claims *Claims) error

// PeerDecision is the outcome of a peer-policy evaluation.
type PeerDecision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func peerDeny(reason string) PeerDecision {
	return PeerDecision{Code: CodePolicyViolation, Reason: reason}
}

// PeerPolicy applies the configured inbound and outbound peer rules to
// validated governance claims. Asset and domain lists use the capability
// pattern language.
type PeerPolicy struct {
	inbound  config.InboundPolicyConfig
	outbound config.OutboundPolicyConfig
	patterns *capability.Cache
	hooks    []PeerHook
}

// NewPeerPolicy creates a PeerPolicy from configuration.
func NewPeerPolicy(inbound config.InboundPolicyConfig, outbound config.OutboundPolicyConfig) *PeerPolicy {
	return &PeerPolicy{
		inbound:  inbound,
		outbound: outbound,
		patterns: capability.NewCache(0),
	}
}

// AddHook registers a custom check for both directions. Hooks must be
// registered before the policy is used; registration is not synchronized.
func (p *PeerPolicy) AddHook(h PeerHook) {
	p.hooks = append(p.hooks, h)
}

// CheckInbound evaluates the inbound rules against a caller's claims.
func (p *PeerPolicy) CheckInbound(claims *Claims) PeerDecision {
	g := claims.AIGOS
	in := p.inbound

	if in.MaxRiskLevel != "" && !identity.RiskLevel(g.Identity.RiskLevel).AtMost(identity.RiskLevel(in.MaxRiskLevel)) {
		return peerDeny(fmt.Sprintf("peer risk level %q exceeds maximum %q", g.Identity.RiskLevel, in.MaxRiskLevel))
	}
	if in.RequireKillSwitch && !g.Control.KillSwitchEnabled {
		return peerDeny("peer kill-switch is not enabled")
	}
	if in.RequireVerifiedThread && !g.Governance.Verified {
		return peerDeny("peer golden thread is not verified")
	}
	if in.MaxGenerationDepth > 0 && g.Lineage.GenerationDepth > in.MaxGenerationDepth {
		return peerDeny(fmt.Sprintf("peer generation depth %d exceeds maximum %d", g.Lineage.GenerationDepth, in.MaxGenerationDepth))
	}
	if slices.Contains(in.BlockedOrganizations, g.Identity.Organization) {
		return peerDeny(fmt.Sprintf("organization %q is blocked", g.Identity.Organization))
	}
	if len(in.TrustedOrganizations) > 0 && !slices.Contains(in.TrustedOrganizations, g.Identity.Organization) {
		return peerDeny(fmt.Sprintf("organization %q is not in the trusted list", g.Identity.Organization))
	}
	if p.patterns.MatchAny(in.BlockedAssets, g.Identity.AssetID) {
		return peerDeny(fmt.Sprintf("asset %q is blocked", g.Identity.AssetID))
	}
	if len(in.AllowedModes) > 0 && !slices.Contains(in.AllowedModes, g.Identity.Mode) {
		return peerDeny(fmt.Sprintf("operating mode %q is not accepted", g.Identity.Mode))
	}
	return p.runHooks(DirectionInbound, claims)
}

// CheckOutboundDomain pre-flights an outbound call by target domain alone,
// before any token is minted.
func (p *PeerPolicy) CheckOutboundDomain(domain string) PeerDecision {
	out := p.outbound

	if p.patterns.MatchAnyDomain(out.BlockedDomains, domain) {
		return peerDeny(fmt.Sprintf("domain %q is blocked", domain))
	}
	if len(out.AllowedDomains) > 0 && !p.patterns.MatchAnyDomain(out.AllowedDomains, domain) {
		return peerDeny(fmt.Sprintf("domain %q is not in the allowed list", domain))
	}
	return PeerDecision{Allowed: true}
}

// CheckOutboundPeer evaluates the outbound rules against a peer's response
// claims.
func (p *PeerPolicy) CheckOutboundPeer(claims *Claims) PeerDecision {
	g := claims.AIGOS
	out := p.outbound

	if out.MaxRiskLevel != "" && !identity.RiskLevel(g.Identity.RiskLevel).AtMost(identity.RiskLevel(out.MaxRiskLevel)) {
		return peerDeny(fmt.Sprintf("peer risk level %q exceeds maximum %q", g.Identity.RiskLevel, out.MaxRiskLevel))
	}
	if out.RequireKillSwitch && !g.Control.KillSwitchEnabled {
		return peerDeny("peer kill-switch is not enabled")
	}
	if out.RequireVerifiedThread && !g.Governance.Verified {
		return peerDeny("peer golden thread is not verified")
	}
	if p.patterns.MatchAny(out.BlockedAssets, g.Identity.AssetID) {
		return peerDeny(fmt.Sprintf("asset %q is blocked", g.Identity.AssetID))
	}
	return p.runHooks(DirectionOutbound, claims)
}

func (p *PeerPolicy) runHooks(direction string, claims *Claims) PeerDecision {
	for _, hook := range p.hooks {
		if err := hook(direction, claims); err != nil {
			return peerDeny(err.Error())
		}
	}
	return PeerDecision{Allowed: true}
}

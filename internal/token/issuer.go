package token

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aigos/aigos/internal/capability"
	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/identity"
	"github.com/aigos/aigos/internal/metrics"
)

// DefaultTTL bounds token lifetime when none is configured or requested.
const DefaultTTL = 300 * time.Second

// ControlSnapshot is the live kill-switch view stamped into a token.
type ControlSnapshot struct {
	KillSwitchEnabled  bool
	Paused             bool
	TerminationPending bool
}

// Issued is one minted token with its decoded payload.
type Issued struct {
	Token     string    `json:"token"`
	Claims    *Claims   `json:"payload"`
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Issuer mints governance tokens for the local agent.
type Issuer struct {
	keys     *Keyring
	issuer   string
	audience string
	ttl      time.Duration

	sink    event.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuer creates an Issuer bound to the given keyring.
func NewIssuer(cfg config.TokenConfig, keys *Keyring, sink event.Sink, logger *slog.Logger, m *metrics.Metrics) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.Discard
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.DefaultAudience,
		ttl:      ttl,
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "token.Issuer"),
		now:      time.Now,
	}
}

// Generate mints a token for id targeted at audience. A non-positive ttl
// selects the configured default; an empty audience selects the configured
// default audience. The control snapshot is stamped verbatim so the peer
// sees the agent's state as of mint time.
func (i *Issuer) Generate(id *identity.RuntimeIdentity, audience string, ttl time.Duration, control ControlSnapshot) (*Issued, error) {
	if id == nil {
		return nil, errors.New("identity is required")
	}
	if audience == "" {
		audience = i.audience
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}

	caps := id.Capabilities
	if caps == nil {
		caps = &capability.Manifest{}
	}
	capHash, err := caps.Hash()
	if err != nil {
		i.metrics.ObserveToken("generate", "error")
		return nil, fmt.Errorf("hash capabilities: %w", err)
	}

	now := i.now().UTC()
	jti := uuid.NewString()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    i.issuer,
			Subject:   id.InstanceID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		AIGOS: &GovernanceClaims{
			Identity: IdentityClaim{
				InstanceID:   id.InstanceID,
				AssetID:      id.AssetID,
				AssetName:    id.AssetName,
				AssetVersion: id.AssetVersion,
				Organization: id.Organization,
				RiskLevel:    string(id.RiskLevel),
				Mode:         string(id.Mode),
			},
			Governance: GovernanceClaim{
				TicketID:         id.GoldenThread.TicketID,
				ApprovedBy:       id.GoldenThread.ApprovedBy,
				ApprovedAt:       id.GoldenThread.ApprovedAt,
				GoldenThreadHash: id.GoldenThreadHash,
				Verified:         id.Verified,
			},
			Control: ControlClaim{
				KillSwitchEnabled:  control.KillSwitchEnabled,
				Paused:             control.Paused,
				TerminationPending: control.TerminationPending,
			},
			Capabilities: CapabilitiesClaim{
				Hash:             capHash,
				MaySpawnChildren: caps.MaySpawnChildren,
				MaxChildDepth:    caps.MaxChildDepth,
			},
			Lineage: LineageClaim{
				ParentInstanceID: id.Lineage.ParentInstanceID,
				RootInstanceID:   id.Lineage.RootInstanceID,
				GenerationDepth:  id.Lineage.GenerationDepth,
			},
		},
	}

	signed, err := i.keys.Sign(claims)
	if err != nil {
		i.metrics.ObserveToken("generate", "error")
		return nil, fmt.Errorf("sign token: %w", err)
	}

	i.metrics.ObserveToken("generate", "ok")
	i.emitGenerated(id, jti, audience, now.Add(ttl))

	return &Issued{
		Token:     signed,
		Claims:    claims,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (i *Issuer) emitGenerated(id *identity.RuntimeIdentity, jti, audience string, expires time.Time) {
	ev, err := event.New(event.Params{
		Type:        "token.generated",
		Category:    "a2a",
		Criticality: event.CriticalityNormal,
		Source:      "aigos.token",
		OrgID:       id.Organization,
		AssetID:     id.AssetID,
		Data: map[string]any{
			"instance_id": id.InstanceID,
			"jti":         jti,
			"audience":    audience,
			"expires_at":  expires.Format(time.RFC3339),
		},
	})
	if err != nil {
		i.logger.Error("failed to build token event", "error", err)
		return
	}
	i.sink.Emit(ev)
}

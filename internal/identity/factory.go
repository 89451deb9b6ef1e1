package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aigos/aigos/internal/capability"
)

// Creation error codes.
const (
	CodeInvalidAsset      = "INVALID_ASSET"
	CodeInvalidCapability = "INVALID_CAPABILITY"
)

var (
	// ErrInvalidAsset means the asset record cannot back an identity,
	// usually because the approval record is incomplete.
	ErrInvalidAsset = errors.New("invalid asset record")
	// ErrInvalidCapability means requested capability overrides exceed what
	// the asset's risk level permits.
	ErrInvalidCapability = errors.New("capability overrides exceed risk-level ceiling")
	// ErrGoldenThreadMismatch means a recorded hash does not match the
	// canonical recomputation.
	ErrGoldenThreadMismatch = errors.New("golden thread hash mismatch")
)

// riskCeilings are the per-risk-level capability ceilings. Overrides on
// Create may narrow these but never widen them.
var riskCeilings = map[RiskLevel]capability.Manifest{
	RiskMinimal: {
		AllowedTools:      []string{"*"},
		AllowedDomains:    []string{"*"},
		MaySpawnChildren:  true,
		MaxChildDepth:     5,
		Mode:              capability.ModeDecay,
		MaxCostPerSession: 500,
		MaxCostPerDay:     2000,
		MaxCostPerMonth:   20000,
		MaxTokensPerCall:  32000,
		MaxCallsPerMinute: 120,
	},
	RiskLimited: {
		AllowedTools:      []string{"*"},
		DeniedTools:       []string{"admin:*"},
		AllowedDomains:    []string{"*"},
		MaySpawnChildren:  true,
		MaxChildDepth:     3,
		Mode:              capability.ModeDecay,
		MaxCostPerSession: 100,
		MaxCostPerDay:     500,
		MaxCostPerMonth:   5000,
		MaxTokensPerCall:  16000,
		MaxCallsPerMinute: 60,
	},
	RiskHigh: {
		AllowedTools:      []string{"search:*", "code:read*"},
		DeniedTools:       []string{"admin:*", "shell:*"},
		AllowedDomains:    []string{},
		DeniedDomains:     []string{},
		MaySpawnChildren:  false,
		MaxChildDepth:     1,
		Mode:              capability.ModeDecay,
		MaxCostPerSession: 25,
		MaxCostPerDay:     100,
		MaxCostPerMonth:   1000,
		MaxTokensPerCall:  8000,
		MaxCallsPerMinute: 20,
	},
}

// DefaultManifest returns the capability ceiling for a risk level, or false
// if the level cannot run at all.
func DefaultManifest(risk RiskLevel) (*capability.Manifest, bool) {
	ceiling, ok := riskCeilings[risk]
	if !ok {
		return nil, false
	}
	return ceiling.Clone(), true
}

// Factory mints and verifies runtime identities.
type Factory struct {
	logger *slog.Logger
}

// NewFactory creates an identity factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger.With("component", "identity.Factory")}
}

// Create mints a fresh root identity from a reviewed asset record. Overrides,
// if given, replace the risk-level default manifest and must stay within it.
func (f *Factory) Create(asset AssetRecord, overrides *capability.Manifest) (*RuntimeIdentity, error) {
	if asset.AssetID == "" {
		return nil, fmt.Errorf("%w: asset_id is required", ErrInvalidAsset)
	}
	gt := asset.GoldenThread
	if gt.TicketID == "" || gt.ApprovedBy == "" || gt.ApprovedAt == "" {
		return nil, fmt.Errorf("%w: asset %s has no complete approval record", ErrInvalidAsset, asset.AssetID)
	}

	ceiling, ok := DefaultManifest(asset.RiskLevel)
	if !ok {
		return nil, fmt.Errorf("%w: risk level %q may not run", ErrInvalidAsset, asset.RiskLevel)
	}

	manifest := ceiling
	if overrides != nil {
		if err := capability.CheckSubsumed(overrides, ceiling); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
		}
		manifest = overrides.Clone()
	}
	if manifest.Mode == "" {
		manifest.Mode = capability.ModeDecay
	}

	hash, err := HashGoldenThread(gt)
	if err != nil {
		return nil, fmt.Errorf("hash golden thread: %w", err)
	}

	mode := asset.Mode
	if mode == "" {
		mode = ModeNormal
	}

	now := time.Now().UTC()
	instanceID := uuid.NewString()
	id := &RuntimeIdentity{
		InstanceID:       instanceID,
		AssetID:          asset.AssetID,
		AssetName:        asset.Name,
		AssetVersion:     asset.Version,
		Organization:     asset.Organization,
		RiskLevel:        asset.RiskLevel,
		Mode:             mode,
		GoldenThread:     gt,
		GoldenThreadHash: hash,
		Verified:         true,
		Capabilities:     manifest,
		Lineage: Lineage{
			RootInstanceID:  instanceID,
			AncestorChain:   []string{},
			GenerationDepth: 0,
			SpawnedAt:       now,
		},
		CreatedAt: now,
	}

	f.logger.Info("identity created",
		"instance_id", id.InstanceID,
		"asset_id", id.AssetID,
		"risk_level", id.RiskLevel,
		"golden_thread_hash", id.GoldenThreadHash,
	)
	return id, nil
}

// Spawn mints a child identity under the parent's capability mode. The
// approval record flows down the lineage unchanged; only the manifest and
// lineage differ from the parent.
func (f *Factory) Spawn(parent *RuntimeIdentity, mode capability.Mode, explicit *capability.Manifest) (*RuntimeIdentity, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent identity is required")
	}
	if parent.Capabilities == nil {
		return nil, fmt.Errorf("parent %s has no capability manifest", parent.InstanceID)
	}
	if mode == "" {
		mode = parent.Capabilities.Mode
	}

	manifest, err := capability.Derive(parent.Capabilities, parent.Lineage.GenerationDepth, mode, explicit)
	if err != nil {
		return nil, err
	}
	manifest.Mode = mode

	now := time.Now().UTC()
	chain := make([]string, 0, len(parent.Lineage.AncestorChain)+1)
	chain = append(chain, parent.Lineage.AncestorChain...)
	chain = append(chain, parent.InstanceID)

	child := &RuntimeIdentity{
		InstanceID:       uuid.NewString(),
		AssetID:          parent.AssetID,
		AssetName:        parent.AssetName,
		AssetVersion:     parent.AssetVersion,
		Organization:     parent.Organization,
		RiskLevel:        parent.RiskLevel,
		Mode:             parent.Mode,
		GoldenThread:     parent.GoldenThread,
		GoldenThreadHash: parent.GoldenThreadHash,
		Verified:         parent.Verified,
		Capabilities:     manifest,
		Lineage: Lineage{
			ParentInstanceID: parent.InstanceID,
			RootInstanceID:   parent.Lineage.RootInstanceID,
			AncestorChain:    chain,
			GenerationDepth:  parent.Lineage.GenerationDepth + 1,
			SpawnedAt:        now,
		},
		CreatedAt: now,
	}

	f.logger.Info("identity spawned",
		"instance_id", child.InstanceID,
		"parent_instance_id", parent.InstanceID,
		"generation_depth", child.Lineage.GenerationDepth,
		"capability_mode", mode,
	)
	return child, nil
}

// Verify re-checks an identity's invariants without any I/O: the golden
// thread hash, the lineage arithmetic, and manifest presence.
func (f *Factory) Verify(id *RuntimeIdentity) VerificationResult {
	var errs []string

	if id == nil {
		return VerificationResult{Errors: []string{"identity is nil"}}
	}
	if id.InstanceID == "" {
		errs = append(errs, "instance_id is empty")
	} else if _, err := uuid.Parse(id.InstanceID); err != nil {
		errs = append(errs, fmt.Sprintf("instance_id is not a UUID: %v", err))
	}

	if err := VerifyGoldenThread(id.GoldenThread, id.GoldenThreadHash); err != nil {
		errs = append(errs, err.Error())
	}

	lin := id.Lineage
	if lin.ParentInstanceID == "" {
		if lin.GenerationDepth != 0 {
			errs = append(errs, fmt.Sprintf("root identity has generation_depth %d, want 0", lin.GenerationDepth))
		}
		if lin.RootInstanceID != id.InstanceID {
			errs = append(errs, "root identity must be its own root_instance_id")
		}
	}
	if lin.GenerationDepth != len(lin.AncestorChain) {
		errs = append(errs, fmt.Sprintf("generation_depth %d does not match ancestor chain length %d", lin.GenerationDepth, len(lin.AncestorChain)))
	}
	if lin.GenerationDepth > 0 && len(lin.AncestorChain) > 0 {
		if lin.AncestorChain[len(lin.AncestorChain)-1] != lin.ParentInstanceID {
			errs = append(errs, "ancestor chain does not end at parent_instance_id")
		}
	}

	if id.Capabilities == nil {
		errs = append(errs, "capabilities_manifest is missing")
	}

	return VerificationResult{Verified: len(errs) == 0, Errors: errs}
}

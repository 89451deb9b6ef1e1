package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/aigos/aigos/internal/capability"
)

func testAsset() AssetRecord {
	return AssetRecord{
		AssetID:      "asset-invoicer",
		Name:         "Invoice Reconciler",
		Version:      "2.1.0",
		Organization: "org_acme",
		RiskLevel:    RiskLimited,
		GoldenThread: GoldenThread{
			TicketID:   "JIRA-123",
			ApprovedBy: "alice@example.com",
			ApprovedAt: "2026-01-15T10:30:00Z",
		},
	}
}

func TestHashGoldenThreadGoldenVector(t *testing.T) {
	got, err := HashGoldenThread(GoldenThread{
		TicketID:   "JIRA-123",
		ApprovedBy: "alice@example.com",
		ApprovedAt: "2026-01-15T10:30:00Z",
	})
	if err != nil {
		t.Fatalf("HashGoldenThread failed: %v", err)
	}
	want := "sha256:85bc7509a6d441e332a55b51ca0f4d8114ba882140069dc275de22d7a0d9d7ce"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestVerifyGoldenThreadRejectsTamper(t *testing.T) {
	gt := GoldenThread{
		TicketID:   "JIRA-123",
		ApprovedBy: "alice@example.com",
		ApprovedAt: "2026-01-15T10:30:00Z",
	}
	hash, err := HashGoldenThread(gt)
	if err != nil {
		t.Fatalf("HashGoldenThread failed: %v", err)
	}
	if err := VerifyGoldenThread(gt, hash); err != nil {
		t.Fatalf("verification of untampered thread failed: %v", err)
	}

	tampered := gt
	tampered.ApprovedBy = "mallory@example.com"
	err = VerifyGoldenThread(tampered, hash)
	if !errors.Is(err, ErrGoldenThreadMismatch) {
		t.Errorf("got %v, want ErrGoldenThreadMismatch", err)
	}
}

func TestCreate(t *testing.T) {
	f := NewFactory(nil)

	id, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if id.InstanceID == "" {
		t.Error("instance_id is empty")
	}
	if !id.Verified {
		t.Error("freshly created identity should be verified")
	}
	if !strings.HasPrefix(id.GoldenThreadHash, "sha256:") {
		t.Errorf("golden_thread_hash missing prefix: %s", id.GoldenThreadHash)
	}
	if id.Lineage.GenerationDepth != 0 {
		t.Errorf("root generation_depth: got %d, want 0", id.Lineage.GenerationDepth)
	}
	if id.Lineage.RootInstanceID != id.InstanceID {
		t.Error("root identity must be its own root_instance_id")
	}
	if id.Capabilities == nil {
		t.Fatal("capabilities_manifest is nil")
	}
	if id.Capabilities.MaxCostPerSession != 100 {
		t.Errorf("limited-risk session cap: got %.2f, want 100", id.Capabilities.MaxCostPerSession)
	}
	if id.Mode != ModeNormal {
		t.Errorf("default mode: got %s, want NORMAL", id.Mode)
	}

	// Identities are never reused.
	id2, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if id2.InstanceID == id.InstanceID {
		t.Error("two identities share an instance_id")
	}
}

func TestCreateRejectsBadAssets(t *testing.T) {
	f := NewFactory(nil)

	tests := []struct {
		name    string
		mutate  func(*AssetRecord)
		wantErr error
	}{
		{
			name:    "missing ticket",
			mutate:  func(a *AssetRecord) { a.GoldenThread.TicketID = "" },
			wantErr: ErrInvalidAsset,
		},
		{
			name:    "missing approver",
			mutate:  func(a *AssetRecord) { a.GoldenThread.ApprovedBy = "" },
			wantErr: ErrInvalidAsset,
		},
		{
			name:    "missing asset id",
			mutate:  func(a *AssetRecord) { a.AssetID = "" },
			wantErr: ErrInvalidAsset,
		},
		{
			name:    "unacceptable risk",
			mutate:  func(a *AssetRecord) { a.RiskLevel = RiskUnacceptable },
			wantErr: ErrInvalidAsset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset := testAsset()
			tt.mutate(&asset)
			if _, err := f.Create(asset, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateWithOverrides(t *testing.T) {
	f := NewFactory(nil)

	narrower := &capability.Manifest{
		AllowedTools:      []string{"search:web"},
		DeniedTools:       []string{"admin:*"},
		AllowedDomains:    []string{"api.example.com"},
		MaxChildDepth:     2,
		MaxCostPerSession: 10,
		MaxCostPerDay:     50,
		MaxCostPerMonth:   500,
		MaxTokensPerCall:  4000,
		MaxCallsPerMinute: 10,
	}
	id, err := f.Create(testAsset(), narrower)
	if err != nil {
		t.Fatalf("Create with narrower overrides failed: %v", err)
	}
	if id.Capabilities.MaxCostPerSession != 10 {
		t.Errorf("override not applied: got %.2f, want 10", id.Capabilities.MaxCostPerSession)
	}

	wider := narrower.Clone()
	wider.MaxCostPerSession = 10000
	if _, err := f.Create(testAsset(), wider); !errors.Is(err, ErrInvalidCapability) {
		t.Errorf("got %v, want ErrInvalidCapability", err)
	}
}

func TestSpawn(t *testing.T) {
	f := NewFactory(nil)

	parent, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	child, err := f.Spawn(parent, capability.ModeDecay, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if child.Lineage.ParentInstanceID != parent.InstanceID {
		t.Error("child parent_instance_id does not point at parent")
	}
	if child.Lineage.RootInstanceID != parent.InstanceID {
		t.Error("child root_instance_id should be the root parent")
	}
	if child.Lineage.GenerationDepth != 1 {
		t.Errorf("generation_depth: got %d, want 1", child.Lineage.GenerationDepth)
	}
	if len(child.Lineage.AncestorChain) != 1 || child.Lineage.AncestorChain[0] != parent.InstanceID {
		t.Errorf("ancestor_chain: got %v, want [%s]", child.Lineage.AncestorChain, parent.InstanceID)
	}
	if child.GoldenThreadHash != parent.GoldenThreadHash {
		t.Error("approval record must flow down unchanged")
	}
	if child.Capabilities.MaxCostPerSession != 80 {
		t.Errorf("decayed session cap: got %.2f, want 80", child.Capabilities.MaxCostPerSession)
	}

	res := f.Verify(child)
	if !res.Verified {
		t.Errorf("spawned child fails verification: %v", res.Errors)
	}
}

func TestSpawnDepthExceeded(t *testing.T) {
	f := NewFactory(nil)

	parent, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Limited risk allows max_child_depth 3.
	node := parent
	for i := 0; i < 3; i++ {
		node.Capabilities.MaySpawnChildren = true
		next, err := f.Spawn(node, capability.ModeInherit, nil)
		if err != nil {
			t.Fatalf("spawn %d failed: %v", i, err)
		}
		node = next
	}

	node.Capabilities.MaySpawnChildren = true
	if _, err := f.Spawn(node, capability.ModeInherit, nil); !errors.Is(err, capability.ErrDepthExceeded) {
		t.Errorf("got %v, want ErrDepthExceeded", err)
	}
}

func TestVerifyFlagsBrokenLineage(t *testing.T) {
	f := NewFactory(nil)

	id, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	id.Lineage.GenerationDepth = 2 // chain is still empty
	res := f.Verify(id)
	if res.Verified {
		t.Error("verification passed with inconsistent lineage")
	}
	if len(res.Errors) == 0 {
		t.Error("expected verification errors")
	}
}

func TestVerifyFlagsTamperedThread(t *testing.T) {
	f := NewFactory(nil)

	id, err := f.Create(testAsset(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	id.GoldenThread.TicketID = "JIRA-999"
	res := f.Verify(id)
	if res.Verified {
		t.Error("verification passed with tampered golden thread")
	}
}

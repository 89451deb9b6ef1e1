package event

import "time"

// ListFilter narrows an event listing. Zero values mean no constraint.
type ListFilter struct {
	AssetID     string
	Type        string
	Criticality string
	Since       *time.Time
	Limit       int
	Offset      int
}

// AssetSummary is the per-asset rollup returned by asset listings.
type AssetSummary struct {
	AssetID     string    `json:"assetId"`
	EventCount  int       `json:"eventCount"`
	LastEventAt time.Time `json:"lastEventAt"`
	LatestType  string    `json:"latestType"`
}

// Store is the per-organization append-only event log. Writes preserve
// submission order within an org. Reads are org-scoped: an id that exists
// under a different org is ErrNotFound, indistinguishable from absence.
type Store interface {
	// Store appends one validated event.
	Store(e *Event) error
	// StoreMany appends a batch atomically, preserving slice order.
	StoreMany(events []*Event) error
	// FindByID fetches one event visible to orgID.
	FindByID(orgID, id string) (*Event, error)
	// ListEvents returns matching events in submission order plus the total
	// match count before limit/offset.
	ListEvents(orgID string, f ListFilter) ([]*Event, int, error)
	// ListAssets summarizes each asset seen for the org, most recent first.
	ListAssets(orgID string) ([]AssetSummary, error)
	// GetAssetEvents returns the most recent events for one asset, newest
	// first.
	GetAssetEvents(orgID, assetID string, limit int) ([]*Event, error)
	Close() error
}

// Checkpoint seals one Merkle window for an org. PreviousRoot chains
// checkpoints for audit but is never folded into the next window's leaves.
type Checkpoint struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	Root         string    `json:"root"`
	PreviousRoot string    `json:"previousRoot,omitempty"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
	LeafCount    int       `json:"leafCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CheckpointStore persists sealed Merkle windows.
type CheckpointStore interface {
	StoreCheckpoint(c *Checkpoint) error
	// LatestCheckpoint returns the most recent checkpoint for the org, nil
	// when none exists.
	LatestCheckpoint(orgID string) (*Checkpoint, error)
	ListCheckpoints(orgID string, limit int) ([]*Checkpoint, error)
}

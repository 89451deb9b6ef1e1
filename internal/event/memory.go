package event

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store and CheckpointStore. It backs tests and
// the agent runtime, where events are forwarded upstream rather than kept.
type MemoryStore struct {
	mu          sync.RWMutex
	byOrg       map[string][]*Event
	byID        map[string]*Event
	checkpoints map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrg:       make(map[string][]*Event),
		byID:        make(map[string]*Event),
		checkpoints: make(map[string][]*Checkpoint),
	}
}

func (m *MemoryStore) Store(e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(e)
}

func (m *MemoryStore) StoreMany(events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, ok := m.byID[e.ID]; ok {
			return fmt.Errorf("event %s already stored", e.ID)
		}
		if _, ok := seen[e.ID]; ok {
			return fmt.Errorf("event %s already stored", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	for _, e := range events {
		if err := m.append(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) append(e *Event) error {
	if _, ok := m.byID[e.ID]; ok {
		return fmt.Errorf("event %s already stored", e.ID)
	}
	m.byID[e.ID] = e
	m.byOrg[e.OrgID] = append(m.byOrg[e.OrgID], e)
	return nil
}

func (m *MemoryStore) FindByID(orgID, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok || e.OrgID != orgID {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) ListEvents(orgID string, f ListFilter) ([]*Event, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Event
	for _, e := range m.byOrg[orgID] {
		if matches(e, f) {
			matched = append(matched, e)
		}
	}

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func matches(e *Event, f ListFilter) bool {
	if f.AssetID != "" && e.AssetID != f.AssetID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Criticality != "" && e.Criticality != f.Criticality {
		return false
	}
	if f.Since != nil && e.ProducedAt.Before(*f.Since) {
		return false
	}
	return true
}

func (m *MemoryStore) ListAssets(orgID string) ([]AssetSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byAsset := make(map[string]*AssetSummary)
	for _, e := range m.byOrg[orgID] {
		if e.AssetID == "" {
			continue
		}
		s, ok := byAsset[e.AssetID]
		if !ok {
			s = &AssetSummary{AssetID: e.AssetID}
			byAsset[e.AssetID] = s
		}
		s.EventCount++
		// Append order: the latest stored event wins.
		s.LastEventAt = e.ProducedAt
		s.LatestType = e.Type
	}

	out := make([]AssetSummary, 0, len(byAsset))
	for _, s := range byAsset {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastEventAt.Equal(out[j].LastEventAt) {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out, nil
}

func (m *MemoryStore) GetAssetEvents(orgID, assetID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	org := m.byOrg[orgID]
	var out []*Event
	for i := len(org) - 1; i >= 0 && len(out) < limit; i-- {
		if org[i].AssetID == assetID {
			out = append(out, org[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) StoreCheckpoint(c *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[c.OrgID] = append(m.checkpoints[c.OrgID], c)
	return nil
}

func (m *MemoryStore) LatestCheckpoint(orgID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chks := m.checkpoints[orgID]
	if len(chks) == 0 {
		return nil, nil
	}
	return chks[len(chks)-1], nil
}

func (m *MemoryStore) ListCheckpoints(orgID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	chks := m.checkpoints[orgID]
	out := make([]*Checkpoint, 0, min(limit, len(chks)))
	for i := len(chks) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, chks[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

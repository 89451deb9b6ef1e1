package event

import (
	"strings"
	"testing"
	"time"

	"github.com/aigos/aigos/internal/config"
)

func newTestCheckpointer(store CheckpointStore, maxLeaves int) *Checkpointer {
	c := NewCheckpointer(config.CheckpointConfig{MaxLeaves: maxLeaves, Interval: time.Hour}, store, nil, nil)
	c.now = func() time.Time { return storeBase }
	return c
}

func TestNewCheckpointID(t *testing.T) {
	id := NewCheckpointID()
	if !strings.HasPrefix(id, "chk_") {
		t.Errorf("NewCheckpointID() = %q, want chk_ prefix", id)
	}
	if len(id) != len("chk_")+26 {
		t.Errorf("len(%q) = %d, want %d", id, len(id), len("chk_")+26)
	}
}

func TestCheckpointer_SealsAtMaxLeaves(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCheckpointer(store, 3)

	events := []*Event{
		makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase),
		makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase.Add(time.Second)),
		makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase.Add(2*time.Second)),
	}
	for _, e := range events[:2] {
		c.Observe(e)
	}
	if chks, _ := store.ListCheckpoints("acme", 0); len(chks) != 0 {
		t.Fatalf("sealed before reaching max leaves")
	}

	c.Observe(events[2])
	chks, err := store.ListCheckpoints("acme", 0)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(chks) != 1 {
		t.Fatalf("len(checkpoints) = %d, want 1", len(chks))
	}

	chk := chks[0]
	if !strings.HasPrefix(chk.ID, "chk_") {
		t.Errorf("checkpoint id = %q, want chk_ prefix", chk.ID)
	}
	if chk.LeafCount != 3 {
		t.Errorf("LeafCount = %d, want 3", chk.LeafCount)
	}
	want := MerkleRoot([]string{events[0].Hash, events[1].Hash, events[2].Hash})
	if chk.Root != want {
		t.Errorf("Root = %q, want %q", chk.Root, want)
	}
	if chk.PreviousRoot != "" {
		t.Errorf("PreviousRoot = %q, want empty for the first checkpoint", chk.PreviousRoot)
	}
	if !chk.WindowStart.Equal(storeBase) || !chk.WindowEnd.Equal(storeBase) {
		t.Errorf("window = [%v, %v], want the stubbed clock", chk.WindowStart, chk.WindowEnd)
	}
}

func TestCheckpointer_SealEmptyWindowIsNoop(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCheckpointer(store, 10)

	chk, err := c.Seal("acme")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if chk != nil {
		t.Errorf("Seal on empty window = %+v, want nil", chk)
	}
	if chks, _ := store.ListCheckpoints("acme", 0); len(chks) != 0 {
		t.Errorf("empty seal wrote a checkpoint")
	}
}

func TestCheckpointer_ChainsPreviousRoot(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCheckpointer(store, 100)

	c.Observe(makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase))
	c.Observe(makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase.Add(time.Second)))
	chk1, err := c.Seal("acme")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if chk1.LeafCount != 2 {
		t.Errorf("chk1.LeafCount = %d, want 2", chk1.LeafCount)
	}

	c.Observe(makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase.Add(2*time.Second)))
	chk2, err := c.Seal("acme")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if chk2.PreviousRoot != chk1.Root {
		t.Errorf("chk2.PreviousRoot = %q, want %q", chk2.PreviousRoot, chk1.Root)
	}

	// A fresh checkpointer over the same store picks the chain back up.
	c2 := newTestCheckpointer(store, 100)
	c2.Observe(makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase.Add(3*time.Second)))
	chk3, err := c2.Seal("acme")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if chk3.PreviousRoot != chk2.Root {
		t.Errorf("chk3.PreviousRoot = %q, want %q after restart", chk3.PreviousRoot, chk2.Root)
	}
}

func TestCheckpointer_SealAll(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCheckpointer(store, 100)

	c.Observe(makeEvent(t, "acme", "agent-1", "tool.invoked", CriticalityLow, storeBase))
	c.Observe(makeEvent(t, "globex", "agent-9", "tool.invoked", CriticalityLow, storeBase))

	c.SealAll()

	for _, org := range []string{"acme", "globex"} {
		chks, _ := store.ListCheckpoints(org, 0)
		if len(chks) != 1 {
			t.Errorf("%s: len(checkpoints) = %d, want 1", org, len(chks))
		}
	}
	if chks, _ := store.ListCheckpoints("initech", 0); len(chks) != 0 {
		t.Errorf("untouched org got a checkpoint")
	}

	// Nothing pending, so a second pass seals nothing.
	c.SealAll()
	if chks, _ := store.ListCheckpoints("acme", 0); len(chks) != 1 {
		t.Errorf("SealAll resealed an empty window")
	}
}

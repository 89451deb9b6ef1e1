package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/metrics"
)

// NewCheckpointID returns a fresh checkpoint id: "chk_" followed by a ULID,
// so ids sort by creation time.
func NewCheckpointID() string {
	return "chk_" + ulid.Make().String()
}

// window is the open Merkle window for one org.
type window struct {
	leaves   []string
	start    time.Time
	prevRoot string
	loaded   bool // prevRoot recovered from the store
}

// Checkpointer accumulates event hashes per org and seals Merkle windows
// when they reach max_leaves or on the interval tick. Each checkpoint chains
// the previous window's root as metadata, surviving restarts via the store.
type Checkpointer struct {
	store     CheckpointStore
	maxLeaves int
	interval  time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewCheckpointer creates a Checkpointer writing to store.
func NewCheckpointer(cfg config.CheckpointConfig, store CheckpointStore, logger *slog.Logger, m *metrics.Metrics) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	maxLeaves := cfg.MaxLeaves
	if maxLeaves <= 0 {
		maxLeaves = 1000
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checkpointer{
		store:     store,
		maxLeaves: maxLeaves,
		interval:  interval,
		metrics:   m,
		logger:    logger.With("component", "event.Checkpointer"),
		now:       time.Now,
		windows:   make(map[string]*window),
	}
}

// Observe adds one stored event's hash to its org's open window, sealing the
// window when it reaches max_leaves. Callers must have stored the event
// already; the leaf order is the append order.
func (c *Checkpointer) Observe(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.window(e.OrgID)
	if len(w.leaves) == 0 {
		w.start = c.now().UTC()
	}
	w.leaves = append(w.leaves, e.Hash)

	if len(w.leaves) >= c.maxLeaves {
		if _, err := c.seal(e.OrgID, w); err != nil {
			c.logger.Error("checkpoint seal failed", "org_id", e.OrgID, "error", err)
		}
	}
}

// Seal closes the org's open window regardless of size. Sealing an empty
// window is a no-op returning nil.
func (c *Checkpointer) Seal(orgID string) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.window(orgID)
	if len(w.leaves) == 0 {
		return nil, nil
	}
	return c.seal(orgID, w)
}

// SealAll closes every non-empty window. Used by the interval tick and at
// shutdown.
func (c *Checkpointer) SealAll() {
	c.mu.Lock()
	orgs := make([]string, 0, len(c.windows))
	for orgID, w := range c.windows {
		if len(w.leaves) > 0 {
			orgs = append(orgs, orgID)
		}
	}
	c.mu.Unlock()

	for _, orgID := range orgs {
		if _, err := c.Seal(orgID); err != nil {
			c.logger.Error("checkpoint seal failed", "org_id", orgID, "error", err)
		}
	}
}

// Run seals pending windows every interval until ctx is cancelled, then
// performs a final seal so no leaves are lost on shutdown.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.SealAll()
			return
		case <-ticker.C:
			c.SealAll()
		}
	}
}

// window returns the open window for orgID, recovering the previous root
// from the store on first touch.
func (c *Checkpointer) window(orgID string) *window {
	w, ok := c.windows[orgID]
	if !ok {
		w = &window{}
		c.windows[orgID] = w
	}
	if !w.loaded {
		w.loaded = true
		if last, err := c.store.LatestCheckpoint(orgID); err != nil {
			c.logger.Warn("previous checkpoint lookup failed", "org_id", orgID, "error", err)
		} else if last != nil {
			w.prevRoot = last.Root
		}
	}
	return w
}

// seal writes the checkpoint for w and opens a fresh window. Callers hold
// c.mu.
func (c *Checkpointer) seal(orgID string, w *window) (*Checkpoint, error) {
	end := c.now().UTC()
	chk := &Checkpoint{
		ID:           NewCheckpointID(),
		OrgID:        orgID,
		Root:         MerkleRoot(w.leaves),
		PreviousRoot: w.prevRoot,
		WindowStart:  w.start,
		WindowEnd:    end,
		LeafCount:    len(w.leaves),
		CreatedAt:    end,
	}
	if err := c.store.StoreCheckpoint(chk); err != nil {
		return nil, fmt.Errorf("store checkpoint %s: %w", chk.ID, err)
	}

	c.windows[orgID] = &window{prevRoot: chk.Root, loaded: true}
	c.metrics.ObserveCheckpoint()
	c.logger.Info("checkpoint sealed",
		"org_id", orgID, "checkpoint_id", chk.ID, "leaves", chk.LeafCount, "root", chk.Root)
	return chk, nil
}

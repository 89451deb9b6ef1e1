package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Terminator delivers a derived termination command to one child agent.
type Terminator interface {
	Terminate(ctx context.Context, cmd *Command) error
}

// TerminatorFunc adapts a function to the Terminator interface.
type TerminatorFunc func(ctx context.Context, cmd *Command) error

func (f TerminatorFunc) Terminate(ctx context.Context, cmd *Command) error {
	return f(ctx, cmd)
}

// Child describes one registered descendant of the local agent.
type Child struct {
	InstanceID string `json:"instance_id"`
	AssetID    string `json:"asset_id"`
	ParentID   string `json:"parent_id"`
	Depth      int    `json:"depth"`
}

type regNode struct {
	child      Child
	children   []string
	terminator Terminator
}

// Registry tracks the spawn tree below the local agent so a termination can
// reach every descendant. The root is the local instance; children register
// on spawn and deregister on clean exit.
type Registry struct {
	mu     sync.RWMutex
	root   string
	nodes  map[string]*regNode
	logger *slog.Logger
}

// NewRegistry creates a registry rooted at the local instance id.
func NewRegistry(rootInstanceID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		root:   rootInstanceID,
		nodes:  make(map[string]*regNode),
		logger: logger.With("component", "killswitch.Registry"),
	}
}

// Register adds a child under the given parent. The parent must be the root
// or an already registered descendant.
func (r *Registry) Register(c Child, t Terminator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.InstanceID == "" {
		return fmt.Errorf("register child: instance id is required")
	}
	if _, dup := r.nodes[c.InstanceID]; dup {
		return fmt.Errorf("register child: instance %s already registered", c.InstanceID)
	}
	if c.ParentID != r.root {
		parent, ok := r.nodes[c.ParentID]
		if !ok {
			return fmt.Errorf("register child: unknown parent %s", c.ParentID)
		}
		parent.children = append(parent.children, c.InstanceID)
	}
	r.nodes[c.InstanceID] = &regNode{child: c, terminator: t}
	r.logger.Debug("child registered",
		"instance_id", c.InstanceID,
		"parent_id", c.ParentID,
		"depth", c.Depth)
	return nil
}

// Deregister removes an instance and its entire subtree, for children that
// exit cleanly before any cascade runs.
func (r *Registry) Deregister(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[instanceID]
	if !ok {
		return
	}
	r.removeSubtree(instanceID)
	if parent, ok := r.nodes[node.child.ParentID]; ok {
		parent.children = removeString(parent.children, instanceID)
	}
}

func (r *Registry) removeSubtree(instanceID string) {
	node, ok := r.nodes[instanceID]
	if !ok {
		return
	}
	for _, id := range node.children {
		r.removeSubtree(id)
	}
	delete(r.nodes, instanceID)
}

// Descendants returns every transitive descendant of the given instance,
// deepest generation first. Passing the root id returns the whole tree.
func (r *Registry) Descendants(instanceID string) []Child {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Child
	if instanceID == r.root {
		for _, node := range r.nodes {
			out = append(out, node.child)
		}
	} else {
		r.collect(instanceID, &out)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth > out[j].Depth
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

func (r *Registry) collect(instanceID string, out *[]Child) {
	node, ok := r.nodes[instanceID]
	if !ok {
		return
	}
	for _, id := range node.children {
		if child, ok := r.nodes[id]; ok {
			*out = append(*out, child.child)
			r.collect(id, out)
		}
	}
}

// Count reports the number of registered descendants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) terminatorFor(instanceID string) Terminator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if node, ok := r.nodes[instanceID]; ok {
		return node.terminator
	}
	return nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

package killswitch

import (
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a governed agent instance.
type State string

const (
	StateActive     State = "ACTIVE"
	StatePaused     State = "PAUSED"
	StateTerminated State = "TERMINATED"
)

// Transition records the outcome of applying one command to the state store.
type Transition struct {
	Scope   string // "instance", "asset", or "global"
	Key     string // instance or asset id, empty for global
	From    State
	To      State
	Changed bool
}

type instanceState struct {
	state     State
	reason    string
	commandID string
	updatedAt time.Time
}

// StateStore tracks the control state the policy engine consults on every
// decision. Reads are O(1) map lookups under a read lock; TERMINATED is
// absorbing at every scope.
type StateStore struct {
	mu               sync.RWMutex
	instances        map[string]*instanceState
	pausedAssets     map[string]string
	terminatedAssets map[string]string
	globalKill       bool
	globalPause      bool
	globalReason     string

	logger *slog.Logger
}

// NewStateStore returns an empty state store. All instances start ACTIVE.
func NewStateStore(logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		instances:        make(map[string]*instanceState),
		pausedAssets:     make(map[string]string),
		terminatedAssets: make(map[string]string),
		logger:           logger.With("component", "killswitch.StateStore"),
	}
}

// Apply folds a validated command into the store. The scope is taken from the
// command's target fields: an instance target transitions that instance, an
// asset target flags the asset, and an organization or global command flips
// the store-wide flags.
func (s *StateStore) Apply(cmd *Command) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tr Transition
	switch {
	case cmd.InstanceID != "":
		tr = s.applyInstance(cmd)
	case cmd.AssetID != "":
		tr = s.applyAsset(cmd)
	default:
		tr = s.applyGlobal(cmd)
	}
	if tr.Changed {
		s.logger.Info("control state changed",
			"command_id", cmd.CommandID,
			"scope", tr.Scope,
			"key", tr.Key,
			"from", tr.From,
			"to", tr.To,
			"reason", cmd.Reason)
	}
	return tr
}

func (s *StateStore) applyInstance(cmd *Command) Transition {
	cur, ok := s.instances[cmd.InstanceID]
	if !ok {
		cur = &instanceState{state: StateActive}
		s.instances[cmd.InstanceID] = cur
	}
	tr := Transition{Scope: "instance", Key: cmd.InstanceID, From: cur.state, To: cur.state}
	if cur.state == StateTerminated {
		return tr
	}
	switch cmd.Type {
	case CommandTerminate:
		tr.To = StateTerminated
	case CommandPause:
		tr.To = StatePaused
	case CommandResume:
		tr.To = StateActive
	}
	if tr.To != tr.From {
		cur.state = tr.To
		cur.reason = cmd.Reason
		cur.commandID = cmd.CommandID
		cur.updatedAt = time.Now()
		tr.Changed = true
	}
	return tr
}

func (s *StateStore) applyAsset(cmd *Command) Transition {
	tr := Transition{Scope: "asset", Key: cmd.AssetID, From: s.assetState(cmd.AssetID)}
	tr.To = tr.From
	if tr.From == StateTerminated {
		return tr
	}
	switch cmd.Type {
	case CommandTerminate:
		s.terminatedAssets[cmd.AssetID] = cmd.Reason
		delete(s.pausedAssets, cmd.AssetID)
		tr.To = StateTerminated
	case CommandPause:
		s.pausedAssets[cmd.AssetID] = cmd.Reason
		tr.To = StatePaused
	case CommandResume:
		delete(s.pausedAssets, cmd.AssetID)
		tr.To = StateActive
	}
	tr.Changed = tr.To != tr.From
	return tr
}

func (s *StateStore) applyGlobal(cmd *Command) Transition {
	tr := Transition{Scope: "global", From: s.globalState()}
	tr.To = tr.From
	if s.globalKill {
		return tr
	}
	switch cmd.Type {
	case CommandTerminate:
		s.globalKill = true
		s.globalPause = false
		s.globalReason = cmd.Reason
		tr.To = StateTerminated
	case CommandPause:
		s.globalPause = true
		s.globalReason = cmd.Reason
		tr.To = StatePaused
	case CommandResume:
		s.globalPause = false
		s.globalReason = ""
		tr.To = StateActive
	}
	tr.Changed = tr.To != tr.From
	return tr
}

func (s *StateStore) assetState(assetID string) State {
	if _, ok := s.terminatedAssets[assetID]; ok {
		return StateTerminated
	}
	if _, ok := s.pausedAssets[assetID]; ok {
		return StatePaused
	}
	return StateActive
}

func (s *StateStore) globalState() State {
	switch {
	case s.globalKill:
		return StateTerminated
	case s.globalPause:
		return StatePaused
	default:
		return StateActive
	}
}

// Status is the resolved control state for one agent.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Check resolves the effective state for an instance of the given asset.
// Termination at any scope wins over pause, which wins over active.
func (s *StateStore) Check(instanceID, assetID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.globalKill {
		return Status{State: StateTerminated, Reason: s.globalReason}
	}
	if reason, ok := s.terminatedAssets[assetID]; ok {
		return Status{State: StateTerminated, Reason: reason}
	}
	if inst, ok := s.instances[instanceID]; ok && inst.state == StateTerminated {
		return Status{State: StateTerminated, Reason: inst.reason}
	}
	if s.globalPause {
		return Status{State: StatePaused, Reason: s.globalReason}
	}
	if reason, ok := s.pausedAssets[assetID]; ok {
		return Status{State: StatePaused, Reason: reason}
	}
	if inst, ok := s.instances[instanceID]; ok && inst.state == StatePaused {
		return Status{State: StatePaused, Reason: inst.reason}
	}
	return Status{State: StateActive}
}

// InstanceState reports the recorded state for a single instance, defaulting
// to ACTIVE for unknown instances.
func (s *StateStore) InstanceState(instanceID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[instanceID]; ok {
		return inst.state
	}
	return StateActive
}

// Snapshot summarizes the store for status endpoints.
type Snapshot struct {
	GlobalKill       bool `json:"globalKill"`
	GlobalPause      bool `json:"globalPause"`
	PausedInstances  int  `json:"pausedInstances"`
	Terminated       int  `json:"terminatedInstances"`
	PausedAssets     int  `json:"pausedAssets"`
	TerminatedAssets int  `json:"terminatedAssets"`
}

// Snapshot returns aggregate counts for observability.
func (s *StateStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		GlobalKill:       s.globalKill,
		GlobalPause:      s.globalPause,
		PausedAssets:     len(s.pausedAssets),
		TerminatedAssets: len(s.terminatedAssets),
	}
	for _, inst := range s.instances {
		switch inst.state {
		case StatePaused:
			snap.PausedInstances++
		case StateTerminated:
			snap.Terminated++
		}
	}
	return snap
}

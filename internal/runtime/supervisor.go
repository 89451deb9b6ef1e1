// Package runtime supervises one live agent instance. The supervisor owns
// the minted runtime identity, keeps the kill-switch receiver connected,
// tracks spawned children for the termination cascade, answers policy
// checks, and reports lifecycle events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/capability"
	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/identity"
	"github.com/aigos/aigos/internal/killswitch"
	"github.com/aigos/aigos/internal/metrics"
	"github.com/aigos/aigos/internal/policy"
	"github.com/aigos/aigos/internal/token"
)

// watchInterval paces the supervisor's own look at the control state, so a
// remote termination surfaces on Done even when no check traffic runs.
const watchInterval = time.Second

// ErrUnknownInstance is returned for operations naming an instance the
// supervisor does not track.
var ErrUnknownInstance = errors.New("unknown instance")

// Options configures a Supervisor.
type Options struct {
	// Asset is the reviewed record the root identity is minted from.
	Asset identity.AssetRecord
	// Overrides narrows the risk-level default manifest; nil keeps it.
	Overrides *capability.Manifest

	Policy     config.PolicyConfig
	KillSwitch config.KillSwitchConfig
	// Keyring verifies command signatures; nil leaves an empty keyring, so
	// configure VerifySignatures accordingly.
	Keyring *killswitch.Keyring

	// Sink receives every emitted event; nil discards.
	Sink    event.Sink
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Supervisor is the agent-side runtime: identity, control state, policy,
// and the spawn tree of one root instance.
type Supervisor struct {
	factory  *identity.Factory
	engine   *policy.Engine
	state    *killswitch.StateStore
	registry *killswitch.Registry
	receiver *killswitch.Receiver
	sink     event.Sink
	logger   *slog.Logger

	root *identity.RuntimeIdentity

	mu       sync.Mutex
	children map[string]*identity.RuntimeIdentity

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor mints the root identity and wires the control surfaces
// around it. Nothing connects or runs until Start.
func NewSupervisor(opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = event.Discard
	}

	factory := identity.NewFactory(logger)
	root, err := factory.Create(opts.Asset, opts.Overrides)
	if err != nil {
		return nil, err
	}

	state := killswitch.NewStateStore(logger)
	registry := killswitch.NewRegistry(root.InstanceID, logger)

	ksCfg := opts.KillSwitch
	ksCfg.Channels = decorateChannels(ksCfg.Channels, root)
	target := killswitch.Target{
		InstanceID:   root.InstanceID,
		AssetID:      root.AssetID,
		Organization: root.Organization,
	}
	receiver := killswitch.NewReceiver(ksCfg, target, state, registry, opts.Keyring, sink, logger, opts.Metrics)

	engine, err := policy.NewEngine(opts.Policy, controlState(state), sink, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		factory:  factory,
		engine:   engine,
		state:    state,
		registry: registry,
		receiver: receiver,
		sink:     sink,
		logger:   logger.With("component", "runtime.Supervisor"),
		root:     root,
		children: make(map[string]*identity.RuntimeIdentity),
		done:     make(chan struct{}),
	}, nil
}

// decorateChannels stamps the instance's coordinates onto the channel URLs
// so the control plane narrows delivery to this receiver.
func decorateChannels(ch config.ChannelsConfig, id *identity.RuntimeIdentity) config.ChannelsConfig {
	ch.StreamURL = decorateURL(ch.StreamURL, id)
	ch.PollURL = decorateURL(ch.PollURL, id)
	ch.SocketURL = decorateURL(ch.SocketURL, id)
	return ch
}

func decorateURL(raw string, id *identity.RuntimeIdentity) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("instance_id") == "" {
		q.Set("instance_id", id.InstanceID)
	}
	if q.Get("asset_id") == "" {
		q.Set("asset_id", id.AssetID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// controlState adapts the kill-switch state store to the policy engine's
// first pipeline stage.
func controlState(state *killswitch.StateStore) policy.ControlState {
	return policy.ControlStateFunc(func(instanceID, assetID string) policy.ControlStatus {
		st := state.Check(instanceID, assetID)
		return policy.ControlStatus{
			Terminated: st.State == killswitch.StateTerminated,
			Paused:     st.State == killswitch.StatePaused,
			Reason:     st.Reason,
		}
	})
}

// Start connects the configured kill-switch channels and begins watching
// the local control state. The supervisor runs until Stop, or until the
// root instance is terminated remotely, which closes Done.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.receiver.ConfigureChannels(); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.receiver.Start(ctx)

	s.wg.Add(1)
	go s.watch(ctx)

	s.emit("agent.started", event.CriticalityNormal, map[string]any{
		"instance_id":        s.root.InstanceID,
		"asset_name":         s.root.AssetName,
		"asset_version":      s.root.AssetVersion,
		"risk_level":         string(s.root.RiskLevel),
		"golden_thread_hash": s.root.GoldenThreadHash,
	})
	s.logger.Info("agent supervised",
		"instance_id", s.root.InstanceID,
		"asset_id", s.root.AssetID,
		"risk_level", s.root.RiskLevel)
	return nil
}

func (s *Supervisor) watch(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.state.Check(s.root.InstanceID, s.root.AssetID)
			if st.State == killswitch.StateTerminated {
				s.logger.Warn("root instance terminated", "reason", st.Reason)
				close(s.done)
				return
			}
		}
	}
}

// Done is closed when a kill-switch termination reaches the root instance.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop disconnects the channels, releases every budget session, and reports
// the shutdown.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.receiver.Stop()
	s.wg.Wait()

	s.mu.Lock()
	released := make([]string, 0, len(s.children))
	for id := range s.children {
		released = append(released, id)
	}
	s.children = make(map[string]*identity.RuntimeIdentity)
	s.mu.Unlock()
	for _, id := range released {
		s.engine.ReleaseSession(id)
	}
	s.engine.ReleaseSession(s.root.InstanceID)

	s.emit("agent.stopped", event.CriticalityNormal, map[string]any{
		"instance_id": s.root.InstanceID,
	})
	s.logger.Info("agent supervision stopped", "instance_id", s.root.InstanceID)
}

// Identity returns the root runtime identity.
func (s *Supervisor) Identity() *identity.RuntimeIdentity { return s.root }

// Check runs the policy pipeline for the root instance.
func (s *Supervisor) Check(action, resource string, callCtx map[string]any) policy.Decision {
	return s.engine.Check(s.root, action, resource, callCtx)
}

// CheckInstance runs the policy pipeline for a tracked instance: the root
// (empty id) or a spawned child.
func (s *Supervisor) CheckInstance(instanceID, action, resource string, callCtx map[string]any) (policy.Decision, error) {
	id, err := s.instance(instanceID)
	if err != nil {
		return policy.Decision{}, err
	}
	return s.engine.Check(id, action, resource, callCtx), nil
}

func (s *Supervisor) instance(instanceID string) (*identity.RuntimeIdentity, error) {
	if instanceID == "" || instanceID == s.root.InstanceID {
		return s.root, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if child, ok := s.children[instanceID]; ok {
		return child, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
}

// Spawn mints a child identity under the named parent (empty id spawns from
// the root), registers it for the termination cascade, and reports the
// spawn. The terminator is invoked if a cascade reaches the child.
func (s *Supervisor) Spawn(parentInstanceID string, mode capability.Mode, explicit *capability.Manifest, t killswitch.Terminator) (*identity.RuntimeIdentity, error) {
	parent, err := s.instance(parentInstanceID)
	if err != nil {
		return nil, err
	}

	// The tree must not grow under a paused or terminated parent.
	if st := s.state.Check(parent.InstanceID, parent.AssetID); st.State != killswitch.StateActive {
		return nil, fmt.Errorf("parent %s is %s", parent.InstanceID, st.State)
	}

	child, err := s.factory.Spawn(parent, mode, explicit)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Register(killswitch.Child{
		InstanceID: child.InstanceID,
		AssetID:    child.AssetID,
		ParentID:   parent.InstanceID,
		Depth:      child.Lineage.GenerationDepth,
	}, t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.children[child.InstanceID] = child
	s.mu.Unlock()

	s.emit("agent.spawned", event.CriticalityNormal, map[string]any{
		"instance_id":        child.InstanceID,
		"parent_instance_id": parent.InstanceID,
		"generation_depth":   child.Lineage.GenerationDepth,
		"capability_mode":    string(child.Capabilities.Mode),
	})
	return child, nil
}

// Release removes a cleanly finished child from the cascade registry and the
// budget ledger. Descendants of the child are released with it.
func (s *Supervisor) Release(instanceID string) {
	s.mu.Lock()
	child, ok := s.children[instanceID]
	released := []string{}
	if ok {
		delete(s.children, instanceID)
		released = append(released, instanceID)
		for id, c := range s.children {
			if slices.Contains(c.Lineage.AncestorChain, instanceID) {
				delete(s.children, id)
				released = append(released, id)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.registry.Deregister(instanceID)
	for _, id := range released {
		s.engine.ReleaseSession(id)
	}
	s.emit("agent.completed", event.CriticalityNormal, map[string]any{
		"instance_id":        child.InstanceID,
		"parent_instance_id": child.Lineage.ParentInstanceID,
	})
}

// Children returns the instance ids of the tracked children.
func (s *Supervisor) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for id := range s.children {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Status is a point-in-time view of the supervised instance.
type Status struct {
	InstanceID string           `json:"instance_id"`
	AssetID    string           `json:"asset_id"`
	State      killswitch.State `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	Children   int              `json:"children"`
	Usage      policy.Usage     `json:"usage"`
}

// Status resolves the root's control state and current spend.
func (s *Supervisor) Status() Status {
	st := s.state.Check(s.root.InstanceID, s.root.AssetID)
	s.mu.Lock()
	n := len(s.children)
	s.mu.Unlock()
	return Status{
		InstanceID: s.root.InstanceID,
		AssetID:    s.root.AssetID,
		State:      st.State,
		Reason:     st.Reason,
		Children:   n,
		Usage:      s.engine.Usage(s.root),
	}
}

// ControlSnapshot reports the root's control state in the shape the token
// issuer stamps into claims.
func (s *Supervisor) ControlSnapshot() token.ControlSnapshot {
	st := s.state.Check(s.root.InstanceID, s.root.AssetID)
	return token.ControlSnapshot{
		KillSwitchEnabled:  true,
		Paused:             st.State == killswitch.StatePaused,
		TerminationPending: st.State == killswitch.StateTerminated,
	}
}

// Receiver exposes the command receiver, for delivering locally originated
// commands and for tests.
func (s *Supervisor) Receiver() *killswitch.Receiver { return s.receiver }

func (s *Supervisor) emit(eventType, criticality string, data map[string]any) {
	e, err := event.New(event.Params{
		Type:        eventType,
		Category:    "lifecycle",
		Criticality: criticality,
		Source:      "aigos.runtime",
		OrgID:       s.root.Organization,
		AssetID:     s.root.AssetID,
		Data:        data,
	})
	if err == nil {
		s.sink.Emit(e)
	}
}

package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/metrics"
)

// DefaultClockSkew bounds how far a command timestamp may drift from local
// time before it is rejected.
const DefaultClockSkew = 60 * time.Second

// Channel is one delivery path for kill-switch commands. Run blocks until the
// context is cancelled, invoking deliver for every command received; channels
// own their reconnection behavior.
type Channel interface {
	Name() string
	Run(ctx context.Context, deliver func(*Command)) error
}

// Receiver validates and applies kill-switch commands from every configured
// channel. Commands pass a fixed pipeline: schema, timestamp skew, signature,
// replay, target filter. Only a command that clears all five reaches the
// state store, and a TERMINATE that applies locally cascades to every
// registered descendant before the receiver reports it done.
type Receiver struct {
	cfg      config.KillSwitchConfig
	target   Target
	keyring  *Keyring
	replay   *ReplayCache
	state    *StateStore
	registry *Registry
	cascader *Cascader
	sink     event.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex // serializes command processing
	channels []Channel
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReceiver wires a receiver for the local agent. The state store and
// registry are shared with the policy engine and the spawn path; sink may be
// nil to discard emitted events.
func NewReceiver(cfg config.KillSwitchConfig, target Target, state *StateStore, registry *Registry, keyring *Keyring, sink event.Sink, logger *slog.Logger, m *metrics.Metrics) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.Discard
	}
	if keyring == nil {
		keyring = NewKeyring()
	}
	return &Receiver{
		cfg:      cfg,
		target:   target,
		keyring:  keyring,
		replay:   NewReplayCache(cfg.ReplayCacheSize),
		state:    state,
		registry: registry,
		cascader: NewCascader(registry, cfg.MaxParallelTerminations, cfg.TerminationTimeout, logger, m),
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "killswitch.Receiver"),
	}
}

// AddChannel registers a delivery channel. Channels added after Start are not
// picked up until the next Start.
func (r *Receiver) AddChannel(c Channel) {
	r.channels = append(r.channels, c)
}

// ConfigureChannels builds the channels named in the configuration: SSE
// stream, HTTP polling, websocket, and watched file. At least one channel
// must be configured or the kill switch is unreachable.
func (r *Receiver) ConfigureChannels() error {
	ch := r.cfg.Channels
	if ch.StreamURL != "" {
		r.AddChannel(NewSSEChannel(ch.StreamURL, r.cfg, r.logger))
	}
	if ch.PollURL != "" {
		r.AddChannel(NewPollChannel(ch.PollURL, r.cfg, r.logger))
	}
	if ch.SocketURL != "" {
		r.AddChannel(NewSocketChannel(ch.SocketURL, r.cfg, r.logger))
	}
	if ch.FilePath != "" {
		r.AddChannel(NewFileChannel(ch.FilePath, r.logger))
	}
	if len(r.channels) == 0 {
		return errors.New("no kill-switch channels configured")
	}
	return nil
}

// Start launches every channel. It returns immediately; delivery and
// validation run in channel goroutines until Stop or context cancellation.
func (r *Receiver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, c := range r.channels {
		r.wg.Add(1)
		go func(c Channel) {
			defer r.wg.Done()
			if err := c.Run(ctx, r.deliver); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("channel stopped", "channel", c.Name(), "error", err)
			}
		}(c)
	}
	r.logger.Info("kill-switch receiver started",
		"channels", len(r.channels),
		"instance_id", r.target.InstanceID)
}

// Stop cancels every channel and waits for them to exit.
func (r *Receiver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Receiver) deliver(cmd *Command) {
	if err := r.Process(context.Background(), cmd); err != nil {
		var id string
		if cmd != nil {
			id = cmd.CommandID
		}
		r.logger.Warn("command rejected", "command_id", id, "error", err)
	}
}

// Process runs one command through the validation pipeline and, if it passes,
// applies it. Processing is serialized so concurrent deliveries of the same
// command over different channels resolve deterministically: the first one in
// wins and the rest are replays.
func (r *Receiver) Process(ctx context.Context, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validate(cmd); err != nil {
		return err
	}
	return r.apply(ctx, cmd)
}

func (r *Receiver) validate(cmd *Command) error {
	if err := cmd.CheckSchema(); err != nil {
		r.reject(cmd, CodeSchemaInvalid, err)
		return err
	}

	skew := r.cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if drift := time.Since(cmd.Timestamp.UTC()); drift > skew || drift < -skew {
		err := fmt.Errorf("%w: drift %s exceeds %s", ErrTimestampSkew, drift.Round(time.Millisecond), skew)
		r.reject(cmd, CodeTimestampSkew, err)
		return err
	}

	if r.cfg.VerifySignatures {
		if err := cmd.VerifySignature(r.keyring); err != nil {
			r.reject(cmd, CodeSignatureInvalid, err)
			return err
		}
	}

	if !r.replay.Remember(cmd.CommandID) {
		err := fmt.Errorf("%w: %s", ErrReplay, cmd.CommandID)
		r.reject(cmd, CodeReplay, err)
		return err
	}

	if !cmd.Matches(r.target) && !r.targetsDescendant(cmd) {
		err := fmt.Errorf("%w: command %s", ErrTargetMismatch, cmd.CommandID)
		r.reject(cmd, CodeTargetMismatch, err)
		return err
	}
	return nil
}

// targetsDescendant reports whether an instance-targeted command names one of
// the local agent's registered descendants. The parent receives on behalf of
// the tree it supervises.
func (r *Receiver) targetsDescendant(cmd *Command) bool {
	if cmd.InstanceID == "" || r.registry == nil {
		return false
	}
	return r.registry.terminatorFor(cmd.InstanceID) != nil
}

func (r *Receiver) apply(ctx context.Context, cmd *Command) error {
	tr := r.state.Apply(cmd)
	outcome := "noop"
	if tr.Changed {
		outcome = "applied"
	}
	r.metrics.ObserveCommand(string(cmd.Type), outcome)
	r.emitApplied(cmd, tr)

	if cmd.Type == CommandTerminate && tr.Changed {
		r.cascade(ctx, cmd)
		if cmd.InstanceID != "" && cmd.InstanceID != r.target.InstanceID {
			r.finishDescendant(ctx, cmd)
		}
	}
	return nil
}

// finishDescendant stops a directly targeted child once its own subtree has
// cascaded, then drops it from the registry.
func (r *Receiver) finishDescendant(ctx context.Context, cmd *Command) {
	t := r.registry.terminatorFor(cmd.InstanceID)
	if t == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.cascader.timeout)
	defer cancel()
	if err := t.Terminate(cctx, cmd); err != nil {
		r.logger.Warn("descendant termination failed",
			"instance_id", cmd.InstanceID,
			"command_id", cmd.CommandID,
			"error", err)
	}
	r.registry.Deregister(cmd.InstanceID)
}

func (r *Receiver) cascade(ctx context.Context, cmd *Command) {
	root := r.target.InstanceID
	if cmd.InstanceID != "" && cmd.InstanceID != r.target.InstanceID {
		root = cmd.InstanceID
	}
	if r.registry == nil {
		return
	}
	result := r.cascader.Terminate(ctx, root, cmd)
	if result.TotalChildren == 0 {
		return
	}
	e, err := event.New(event.Params{
		Type:        "killswitch.cascade.completed",
		Category:    "control",
		Criticality: event.CriticalityCritical,
		Source:      "aigos.killswitch",
		OrgID:       r.target.Organization,
		AssetID:     r.target.AssetID,
		Data: map[string]any{
			"command_id":      cmd.CommandID,
			"total_children":  result.TotalChildren,
			"terminated":      result.Terminated,
			"failed":          result.Failed,
			"duration_ms":     result.DurationMs,
			"failed_children": result.FailedChildren,
		},
	})
	if err == nil {
		r.sink.Emit(e)
	}
}

func (r *Receiver) reject(cmd *Command, code string, cause error) {
	var id, cmdType string
	if cmd != nil {
		id = cmd.CommandID
		cmdType = string(cmd.Type)
	}
	r.metrics.ObserveCommand(cmdType, "rejected")
	r.logger.Warn("command validation failed",
		"command_id", id,
		"code", code,
		"error", cause)
	e, err := event.New(event.Params{
		Type:        "killswitch.validation_failed",
		Category:    "control",
		Criticality: event.CriticalityHigh,
		Source:      "aigos.killswitch",
		OrgID:       r.target.Organization,
		AssetID:     r.target.AssetID,
		Data: map[string]any{
			"command_id": id,
			"code":       code,
			"error":      cause.Error(),
		},
	})
	if err == nil {
		r.sink.Emit(e)
	}
}

func (r *Receiver) emitApplied(cmd *Command, tr Transition) {
	eventType := "killswitch.terminated"
	criticality := event.CriticalityCritical
	switch cmd.Type {
	case CommandPause:
		eventType = "killswitch.paused"
		criticality = event.CriticalityHigh
	case CommandResume:
		eventType = "killswitch.resumed"
		criticality = event.CriticalityNormal
	}
	e, err := event.New(event.Params{
		Type:        eventType,
		Category:    "control",
		Criticality: criticality,
		Source:      "aigos.killswitch",
		OrgID:       r.target.Organization,
		AssetID:     r.target.AssetID,
		Data: map[string]any{
			"command_id": cmd.CommandID,
			"reason":     cmd.Reason,
			"issued_by":  cmd.IssuedBy,
			"scope":      tr.Scope,
			"changed":    tr.Changed,
			"state":      string(tr.To),
		},
	})
	if err == nil {
		r.sink.Emit(e)
	}
}

// State exposes the receiver's state store for wiring into the policy engine.
func (r *Receiver) State() *StateStore { return r.state }

package killswitch

import (
	"testing"
	"time"
)

func cmdFor(typ CommandType, mutate func(*Command)) *Command {
	cmd := &Command{
		CommandID: NewCommandID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Reason:    "test",
		IssuedBy:  "ops",
	}
	if mutate != nil {
		mutate(cmd)
	}
	return cmd
}

func TestStateStore_InstanceLifecycle(t *testing.T) {
	s := NewStateStore(nil)

	tr := s.Apply(cmdFor(CommandPause, func(c *Command) { c.InstanceID = "i1" }))
	if !tr.Changed || tr.To != StatePaused {
		t.Fatalf("pause transition = %+v, want change to PAUSED", tr)
	}
	if got := s.InstanceState("i1"); got != StatePaused {
		t.Errorf("state = %q, want PAUSED", got)
	}

	tr = s.Apply(cmdFor(CommandResume, func(c *Command) { c.InstanceID = "i1" }))
	if !tr.Changed || tr.To != StateActive {
		t.Fatalf("resume transition = %+v, want change to ACTIVE", tr)
	}

	tr = s.Apply(cmdFor(CommandTerminate, func(c *Command) { c.InstanceID = "i1" }))
	if !tr.Changed || tr.To != StateTerminated {
		t.Fatalf("terminate transition = %+v, want change to TERMINATED", tr)
	}
}

func TestStateStore_TerminatedIsAbsorbing(t *testing.T) {
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandTerminate, func(c *Command) { c.InstanceID = "i1" }))

	for _, typ := range []CommandType{CommandResume, CommandPause, CommandTerminate} {
		tr := s.Apply(cmdFor(typ, func(c *Command) { c.InstanceID = "i1" }))
		if tr.Changed {
			t.Errorf("%s after TERMINATE changed state to %q, want no-op", typ, tr.To)
		}
	}
	if got := s.InstanceState("i1"); got != StateTerminated {
		t.Errorf("state = %q, want TERMINATED", got)
	}
}

func TestStateStore_AssetScope(t *testing.T) {
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandPause, func(c *Command) { c.AssetID = "agent-7" }))

	status := s.Check("any-instance", "agent-7")
	if status.State != StatePaused {
		t.Errorf("asset-paused check = %q, want PAUSED", status.State)
	}
	status = s.Check("any-instance", "agent-8")
	if status.State != StateActive {
		t.Errorf("other asset check = %q, want ACTIVE", status.State)
	}

	s.Apply(cmdFor(CommandTerminate, func(c *Command) { c.AssetID = "agent-7" }))
	status = s.Check("any-instance", "agent-7")
	if status.State != StateTerminated {
		t.Errorf("asset-terminated check = %q, want TERMINATED", status.State)
	}

	// Asset termination is absorbing too.
	tr := s.Apply(cmdFor(CommandResume, func(c *Command) { c.AssetID = "agent-7" }))
	if tr.Changed {
		t.Error("RESUME on terminated asset should be a no-op")
	}
}

func TestStateStore_GlobalKill(t *testing.T) {
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandTerminate, nil))

	status := s.Check("i1", "agent-7")
	if status.State != StateTerminated {
		t.Errorf("check after global kill = %q, want TERMINATED", status.State)
	}
	snap := s.Snapshot()
	if !snap.GlobalKill {
		t.Error("snapshot should report global kill")
	}

	// Global kill cannot be resumed.
	tr := s.Apply(cmdFor(CommandResume, nil))
	if tr.Changed {
		t.Error("RESUME after global kill should be a no-op")
	}
}

func TestStateStore_GlobalPauseResume(t *testing.T) {
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandPause, nil))
	if got := s.Check("i1", "a1").State; got != StatePaused {
		t.Fatalf("check = %q, want PAUSED", got)
	}
	s.Apply(cmdFor(CommandResume, nil))
	if got := s.Check("i1", "a1").State; got != StateActive {
		t.Errorf("check = %q, want ACTIVE after resume", got)
	}
}

func TestStateStore_CheckPrecedence(t *testing.T) {
	// Instance-level pause plus asset-level termination: termination wins.
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandPause, func(c *Command) { c.InstanceID = "i1" }))
	s.Apply(cmdFor(CommandTerminate, func(c *Command) { c.AssetID = "agent-7" }))

	status := s.Check("i1", "agent-7")
	if status.State != StateTerminated {
		t.Errorf("check = %q, want TERMINATED to win over PAUSED", status.State)
	}
}

func TestStateStore_ReasonPropagates(t *testing.T) {
	s := NewStateStore(nil)
	s.Apply(cmdFor(CommandTerminate, func(c *Command) {
		c.InstanceID = "i1"
		c.Reason = "data exfiltration"
	}))
	status := s.Check("i1", "agent-7")
	if status.Reason != "data exfiltration" {
		t.Errorf("reason = %q, want the command reason", status.Reason)
	}
}

package policy

// ControlStatus is the kill-switch view of one agent at check time.
type ControlStatus struct {
	Terminated bool
	Paused     bool
	Reason     string
}

// ControlState supplies live kill-switch state to the first pipeline stage.
// Implementations must be O(1) and never block: this is read on every single
// check.
type ControlState interface {
	ControlStatus(instanceID, assetID string) ControlStatus
}

// ControlStateFunc adapts a function to the ControlState interface.
type ControlStateFunc func(instanceID, assetID string) ControlStatus

func (f ControlStateFunc) ControlStatus(instanceID, assetID string) ControlStatus {
	return f(instanceID, assetID)
}

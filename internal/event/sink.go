package event

// Sink accepts finished events for recording. Emit must not block the caller:
// implementations either hand off asynchronously or are fast enough that the
// control path never waits on durability.
type Sink interface {
	Emit(e *Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e *Event)

func (f SinkFunc) Emit(e *Event) { f(e) }

// Discard drops every event. Components default to it when no sink is wired
// so emission is always safe to call.
var Discard Sink = SinkFunc(func(*Event) {})

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e *Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

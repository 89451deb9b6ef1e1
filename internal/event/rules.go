package event

// Rule outcomes, in descending severity. Findings become derived events and
// never modify the event that triggered them.
const (
	OutcomeViolation  = "violation"
	OutcomeWarning    = "warning"
	OutcomeSuggestion = "suggestion"
	OutcomeWaiver     = "waiver"
)

// Finding is one rule outcome for an ingested event.
type Finding struct {
	Outcome string
	Message string
}

// Rule inspects accepted events during ingestion. Evaluate must treat the
// event as read-only.
type Rule interface {
	Name() string
	Evaluate(e *Event) []Finding
}

type ruleFunc struct {
	name string
	fn   func(e *Event) []Finding
}

func (r ruleFunc) Name() string                { return r.name }
func (r ruleFunc) Evaluate(e *Event) []Finding { return r.fn(e) }

// NewRule wraps a function as a named Rule.
func NewRule(name string, fn func(e *Event) []Finding) Rule {
	return ruleFunc{name: name, fn: fn}
}

// outcomeCriticality maps a finding to the criticality of its derived event.
func outcomeCriticality(outcome string) string {
	switch outcome {
	case OutcomeViolation:
		return CriticalityHigh
	case OutcomeWarning:
		return CriticalityNormal
	default:
		return CriticalityLow
	}
}

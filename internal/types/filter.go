package types

// =============================================================================
// MESSAGE FILTERING
// =============================================================================

// FilterPriority is the triage band a filter provider assigns to an
// incoming message.
type FilterPriority string

const (
	FilterCritical FilterPriority = "CRITICAL"
	FilterHigh     FilterPriority = "HIGH"
	FilterMedium   FilterPriority = "MEDIUM"
	FilterLow      FilterPriority = "LOW"
	FilterIgnore   FilterPriority = "IGNORE"
)

// FilterDecision is a filter provider's verdict on an incoming message.
// Accepted=false stops task creation; Reasons name the triggered filters.
type FilterDecision struct {
	Accepted bool           `json:"accepted"`
	Priority FilterPriority `json:"priority"`
	Reasons  []string       `json:"reasons,omitempty"`
}

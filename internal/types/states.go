package types

// =============================================================================
// COGNITIVE STATES
// =============================================================================

// CognitiveState is the processor's top-level mode.
type CognitiveState string

const (
	StateShutdown CognitiveState = "SHUTDOWN"
	StateWakeup   CognitiveState = "WAKEUP"
	StateWork     CognitiveState = "WORK"
	StatePlay     CognitiveState = "PLAY"
	StateSolitude CognitiveState = "SOLITUDE"
	StateDream    CognitiveState = "DREAM"
)

// validTransitions is the compact legal-transition table. SHUTDOWN is
// reachable from every state on signal, so it is not listed per-row.
var validTransitions = map[CognitiveState][]CognitiveState{
	StateShutdown: {StateWakeup},
	StateWakeup:   {StateWork},
	StateWork:     {StateSolitude, StateDream, StatePlay},
	StatePlay:     {StateWork, StateSolitude},
	StateSolitude: {StateWork},
	StateDream:    {StateWork},
}

// CanTransitionTo reports whether s -> next is legal. Any state may
// transition to SHUTDOWN.
func (s CognitiveState) CanTransitionTo(next CognitiveState) bool {
	if next == StateShutdown {
		return true
	}
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ProcessesThoughts reports whether the state claims pending thoughts and
// runs them through the pipeline. DREAM consolidates memory without
// touching the queue.
func (s CognitiveState) ProcessesThoughts() bool {
	return s == StateWork || s == StatePlay
}

// QueueStatus is the processor's answer to an operator queue inspection.
type QueueStatus struct {
	State              CognitiveState `json:"state"`
	Paused             bool           `json:"paused"`
	Round              int64          `json:"round"`
	PendingThoughts    int            `json:"pending_thoughts"`
	ProcessingThoughts int            `json:"processing_thoughts"`
	ActiveTasks        int            `json:"active_tasks"`
}

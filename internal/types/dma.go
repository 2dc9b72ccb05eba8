package types

// =============================================================================
// DMA EVALUATIONS
// =============================================================================

// EthicalEvaluation is the PDMA result: an alignment judgment against the
// agent's ethical principles.
type EthicalEvaluation struct {
	Decision     string   `json:"decision"`
	Alignment    float64  `json:"alignment"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Reasoning    string   `json:"reasoning"`
	ShouldReject bool     `json:"should_reject"`
}

// CommonSenseEvaluation is the CSDMA result: a plausibility score with any
// detected inconsistencies.
type CommonSenseEvaluation struct {
	PlausibilityScore float64  `json:"plausibility_score"`
	Flags             []string `json:"flags,omitempty"`
	Reasoning         string   `json:"reasoning"`
}

// DomainEvaluation is the DSDMA result: alignment with a named domain's
// rule set.
type DomainEvaluation struct {
	Domain            string   `json:"domain"`
	AlignmentScore    float64  `json:"alignment_score"`
	Flags             []string `json:"flags,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Reasoning         string   `json:"reasoning"`
}

// DMAResults bundles the three first-stage evaluations for action selection.
// A nil member means that DMA failed definitively; its synthesized failure
// is carried in Failures.
type DMAResults struct {
	Ethical     *EthicalEvaluation     `json:"ethical,omitempty"`
	CommonSense *CommonSenseEvaluation `json:"common_sense,omitempty"`
	Domain      *DomainEvaluation      `json:"domain,omitempty"`
	Failures    []string               `json:"failures,omitempty"`
}

// ActionSelectionResult is the pipeline's decision: exactly one action with
// its typed parameters and the rationale behind the choice.
type ActionSelectionResult struct {
	Action     ActionType   `json:"action"`
	Parameters ActionParams `json:"parameters"`
	Rationale  string       `json:"rationale"`
	// Guided marks a re-selection performed after a conscience override.
	Guided bool `json:"guided,omitempty"`
}

// =============================================================================
// CONSCIENCE
// =============================================================================

// FacultyReport is one conscience faculty's judgment of a selected action.
type FacultyReport struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
	Passed  bool    `json:"passed"`
	Insight string  `json:"insight,omitempty"`
}

// EpistemicData accumulates across a thought chain: faculty scores from the
// latest conscience pass plus insights gathered along the way.
type EpistemicData struct {
	Entropy   float64  `json:"entropy"`
	Coherence float64  `json:"coherence"`
	Insights  []string `json:"insights,omitempty"`
}

// ConscienceResult aggregates the faculty reports. Overridden=true asks the
// pipeline for one guided re-selection with OverrideReason in context.
type ConscienceResult struct {
	Overridden     bool            `json:"overridden"`
	OverrideReason string          `json:"override_reason,omitempty"`
	Reports        []FacultyReport `json:"reports,omitempty"`
	Epistemic      EpistemicData   `json:"epistemic_data"`
	// FinalDisagreement records a conscience that still objected to the
	// guided re-selection; the second result stands regardless.
	FinalDisagreement bool `json:"final_disagreement,omitempty"`
}

// =============================================================================
// GUIDANCE / DEFERRAL
// =============================================================================

// GuidanceRequest asks a wise authority for direction on a stuck thought.
type GuidanceRequest struct {
	TaskID    string `json:"task_id"`
	ThoughtID string `json:"thought_id"`
	Question  string `json:"question"`
	Context   string `json:"context,omitempty"`
}

// GuidanceResult is the authority's answer, if any arrived.
type GuidanceResult struct {
	Guidance  string `json:"guidance"`
	Authority string `json:"authority,omitempty"`
}

// DeferralRequest parks a task with a wise authority for later resolution.
type DeferralRequest struct {
	TaskID    string `json:"task_id"`
	ThoughtID string `json:"thought_id"`
	Reason    string `json:"reason"`
}

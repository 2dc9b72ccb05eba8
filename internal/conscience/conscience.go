// Package conscience re-examines selected actions before they execute.
// Four faculties score the selection; any failing faculty asks the pipeline
// for one guided re-selection. The default faculties are deterministic
// local computations so the engine stays testable offline; each sits behind
// the Faculty interface so LLM-backed versions can replace them.
package conscience

import (
	"context"
	"fmt"
	"strings"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// Faculty names for the default set.
const (
	FacultyEntropy   = "entropy"
	FacultyCoherence = "coherence"
	FacultyVeto      = "optimization_veto"
	FacultyHumility  = "epistemic_humility"
)

// Faculty is one conscience dimension. Evaluate never blocks an action by
// itself; it reports, and the aggregate decides.
type Faculty interface {
	Name() string
	Evaluate(ctx context.Context, thought types.Thought, result types.ActionSelectionResult) (types.FacultyReport, error)
}

// Thresholds bound the pass bands of the scored faculties. Entropy passes
// at or below its threshold; coherence passes at or above.
type Thresholds struct {
	Entropy   float64
	Coherence float64
}

// DefaultThresholds returns the stock bands.
func DefaultThresholds() Thresholds {
	return Thresholds{Entropy: 0.40, Coherence: 0.60}
}

// Conscience aggregates faculty reports into an override decision.
type Conscience struct {
	faculties []Faculty
}

// New builds a conscience. With no faculties given, the default four are
// installed under the provided thresholds.
func New(thresholds Thresholds, faculties ...Faculty) *Conscience {
	if thresholds.Entropy <= 0 {
		thresholds.Entropy = DefaultThresholds().Entropy
	}
	if thresholds.Coherence <= 0 {
		thresholds.Coherence = DefaultThresholds().Coherence
	}
	if len(faculties) == 0 {
		faculties = []Faculty{
			&EntropyFaculty{Threshold: thresholds.Entropy},
			&CoherenceFaculty{Threshold: thresholds.Coherence},
			&OptimizationVeto{},
			&EpistemicHumility{},
		}
	}
	return &Conscience{faculties: faculties}
}

// exemptFromOverride lists the actions the conscience observes but never
// overrides: pondering, deferring, and finishing are already the humble
// moves.
func exemptFromOverride(a types.ActionType) bool {
	return a == types.ActionPonder || a == types.ActionDefer || a == types.ActionTaskComplete
}

// Evaluate runs every faculty over the selection and aggregates the
// verdict. A faculty error is logged and skipped rather than blocking the
// action: a broken conscience must not paralyze the agent.
func (c *Conscience) Evaluate(ctx context.Context, thought types.Thought, result types.ActionSelectionResult) (types.ConscienceResult, error) {
	out := types.ConscienceResult{}
	var failures []string

	for _, f := range c.faculties {
		report, err := f.Evaluate(ctx, thought, result)
		if err != nil {
			logging.Conscience("faculty %s errored on thought %s, skipping: %v", f.Name(), thought.ThoughtID, err)
			continue
		}
		out.Reports = append(out.Reports, report)

		switch report.Name {
		case FacultyEntropy:
			out.Epistemic.Entropy = report.Score
		case FacultyCoherence:
			out.Epistemic.Coherence = report.Score
		}
		if report.Insight != "" {
			out.Epistemic.Insights = append(out.Epistemic.Insights, report.Insight)
		}
		if !report.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", report.Name, report.Insight))
		}
	}

	if len(failures) > 0 && !exemptFromOverride(result.Action) {
		out.Overridden = true
		out.OverrideReason = strings.Join(failures, "; ")
		logging.Conscience("override on thought %s (%s): %s", thought.ThoughtID, result.Action, out.OverrideReason)
	} else if len(failures) > 0 {
		logging.ConscienceDebug("thought %s: %s is exempt from override despite: %s",
			thought.ThoughtID, result.Action, strings.Join(failures, "; "))
	}

	return out, nil
}

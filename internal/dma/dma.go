// Package dma is the decision pipeline: three first-stage evaluators judge a
// thought from different angles (ethical, common-sense, domain), action
// selection collapses their evaluations into exactly one action, and the
// conscience reviews the pick before a handler may execute it.
//
// The pipeline degrades instead of dying. A first-stage evaluator that fails
// definitively contributes a synthesized defer recommendation; a failed
// selection falls back to DEFER outright. The only hard exit is the depth
// guard, which completes the task before any evaluation runs.
package dma

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ciris/internal/conscience"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// Decision values a PDMA evaluation may carry.
const (
	DecisionApprove = "approve"
	DecisionCaution = "caution"
	DecisionDefer   = "defer"
	DecisionReject  = "reject"
)

// dmaRetryBackoff is the fixed pause between retries of one evaluator.
const dmaRetryBackoff = 100 * time.Millisecond

// =============================================================================
// EVALUATOR INTERFACES
// =============================================================================

// EthicalEvaluator judges a thought against the agent's principles.
type EthicalEvaluator interface {
	Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.EthicalEvaluation, error)
}

// PlausibilityEvaluator checks a thought for common-sense consistency.
type PlausibilityEvaluator interface {
	Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.CommonSenseEvaluation, error)
}

// DomainEvaluator scores a thought against a domain rule set.
type DomainEvaluator interface {
	Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.DomainEvaluation, error)
}

// SelectionInput is everything action selection may draw on.
type SelectionInput struct {
	Thought     types.Thought
	Context     types.ThoughtContext
	Results     types.DMAResults
	Guidance    string // non-empty on the guided re-selection after an override
	Exploration bool
}

// ActionSelector picks exactly one action from the evaluations.
type ActionSelector interface {
	Select(ctx context.Context, in SelectionInput) (types.ActionSelectionResult, error)
}

// ConscienceEvaluator reviews a selected action. Satisfied by
// *conscience.Conscience.
type ConscienceEvaluator interface {
	Evaluate(ctx context.Context, thought types.Thought, result types.ActionSelectionResult) (types.ConscienceResult, error)
}

// IdentityReader fetches graph nodes for the identity guard. Satisfied by
// *buses.MemoryBus.
type IdentityReader interface {
	Get(ctx context.Context, id string, scope types.GraphScope) (*types.GraphNode, error)
}

// =============================================================================
// PIPELINE
// =============================================================================

// Options bound the pipeline's patience.
type Options struct {
	MaxThoughtDepth int           // rounds past this complete the task unevaluated
	Timeout         time.Duration // per-evaluator deadline, all attempts included
	RetryLimit      int           // transient retries per evaluator
	VarianceLimit   float64       // identity drift fraction forcing DEFER
}

// DefaultOptions returns the stock pipeline bounds.
func DefaultOptions() Options {
	return Options{
		MaxThoughtDepth: 7,
		Timeout:         30 * time.Second,
		RetryLimit:      3,
		VarianceLimit:   0.20,
	}
}

// Outcome is one full pipeline run over a thought.
type Outcome struct {
	Selection  types.ActionSelectionResult
	DMAs       types.DMAResults
	Conscience types.ConscienceResult
	// Recheck is the conscience's view of the guided re-selection, when an
	// override forced one. Its FinalDisagreement flag records an objection
	// that was noted but not honored.
	Recheck *types.ConscienceResult
}

// Epistemic returns the freshest conscience scores for thought-context
// accumulation.
func (o Outcome) Epistemic() types.EpistemicData {
	if o.Recheck != nil {
		return o.Recheck.Epistemic
	}
	return o.Conscience.Epistemic
}

// Pipeline wires the evaluators, selection, conscience, and identity guard
// into one Evaluate call per thought.
type Pipeline struct {
	ethical     EthicalEvaluator
	plausible   PlausibilityEvaluator
	domain      DomainEvaluator
	selector    ActionSelector
	conscience  ConscienceEvaluator
	memory      IdentityReader
	opts        Options
	exploration atomic.Bool
}

// NewPipeline builds a pipeline. Zero Options fields fall back to defaults.
func NewPipeline(ethical EthicalEvaluator, plausible PlausibilityEvaluator, domain DomainEvaluator,
	selector ActionSelector, con ConscienceEvaluator, memory IdentityReader, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MaxThoughtDepth <= 0 {
		opts.MaxThoughtDepth = def.MaxThoughtDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = def.RetryLimit
	}
	if opts.VarianceLimit <= 0 {
		opts.VarianceLimit = def.VarianceLimit
	}
	return &Pipeline{
		ethical:    ethical,
		plausible:  plausible,
		domain:     domain,
		selector:   selector,
		conscience: con,
		memory:     memory,
		opts:       opts,
	}
}

// SetExploration flips the exploration flag selection passes to the model.
// The processor sets it entering PLAY and clears it on exit.
func (p *Pipeline) SetExploration(on bool) {
	p.exploration.Store(on)
}

// Evaluate runs the full pipeline over one thought.
func (p *Pipeline) Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (Outcome, error) {
	timer := logging.StartTimer(logging.CategoryDMA, "pipeline.evaluate")
	defer timer.Stop()

	var out Outcome

	// Depth guard: runaway chains complete rather than reason forever.
	if thought.Round > p.opts.MaxThoughtDepth {
		logging.DMAWarn("thought %s at round %d exceeds depth %d, completing task",
			thought.ThoughtID, thought.Round, p.opts.MaxThoughtDepth)
		out.Selection = depthCapSelection(thought, p.opts.MaxThoughtDepth)
		return out, nil
	}

	out.DMAs = p.runEvaluators(ctx, thought, tctx)

	selection, err := p.selector.Select(ctx, SelectionInput{
		Thought:     thought,
		Context:     tctx,
		Results:     out.DMAs,
		Exploration: p.exploration.Load(),
	})
	if err != nil {
		logging.DMAError("action selection failed for thought %s, deferring: %v", thought.ThoughtID, err)
		selection = fallbackDefer(fmt.Sprintf("action selection unavailable: %v", err))
	}

	verdict, err := p.conscience.Evaluate(ctx, thought, selection)
	if err != nil {
		return out, fmt.Errorf("failed to evaluate conscience: %w", err)
	}
	out.Selection = selection
	out.Conscience = verdict

	if verdict.Overridden {
		guided, gerr := p.selector.Select(ctx, SelectionInput{
			Thought:     thought,
			Context:     tctx,
			Results:     out.DMAs,
			Guidance:    guidanceFrom(verdict),
			Exploration: p.exploration.Load(),
		})
		if gerr != nil {
			logging.DMAError("guided re-selection failed for thought %s, deferring: %v", thought.ThoughtID, gerr)
			guided = fallbackDefer(fmt.Sprintf("guided re-selection unavailable: %v", gerr))
		}
		guided.Guided = true
		out.Selection = guided

		recheck, rerr := p.conscience.Evaluate(ctx, thought, guided)
		if rerr != nil {
			return out, fmt.Errorf("failed to evaluate conscience recheck: %w", rerr)
		}
		// One retry only. A standing objection is recorded, not acted on.
		if recheck.Overridden {
			recheck.FinalDisagreement = true
			recheck.Overridden = false
			logging.Conscience("thought %s: conscience still objects to guided selection %s, recording and proceeding: %s",
				thought.ThoughtID, guided.Action, recheck.OverrideReason)
		}
		out.Recheck = &recheck
	}

	if rewritten, ok := p.identityGuard(ctx, thought, out.Selection); ok {
		out.Selection = rewritten
	}

	logging.DMA("thought %s round %d selected %s (guided=%v, dma failures=%d)",
		thought.ThoughtID, thought.Round, out.Selection.Action, out.Selection.Guided, len(out.DMAs.Failures))
	return out, nil
}

// runEvaluators executes the three first-stage evaluators concurrently.
// A definitive failure becomes a synthesized defer recommendation; nothing
// here aborts a sibling.
func (p *Pipeline) runEvaluators(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) types.DMAResults {
	var (
		ethical   types.EthicalEvaluation
		plausible types.CommonSenseEvaluation
		domain    types.DomainEvaluation
		ethErr    error
		plauErr   error
		domErr    error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ethErr = p.withRetries(gctx, "pdma", func(c context.Context) error {
			var err error
			ethical, err = p.ethical.Evaluate(c, thought, tctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		plauErr = p.withRetries(gctx, "csdma", func(c context.Context) error {
			var err error
			plausible, err = p.plausible.Evaluate(c, thought, tctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		domErr = p.withRetries(gctx, "dsdma", func(c context.Context) error {
			var err error
			domain, err = p.domain.Evaluate(c, thought, tctx)
			return err
		})
		return nil
	})
	_ = g.Wait()

	results := types.DMAResults{}
	if ethErr != nil {
		logging.DMAError("pdma failed definitively for thought %s: %v", thought.ThoughtID, ethErr)
		results.Ethical = &types.EthicalEvaluation{
			Decision:  DecisionDefer,
			Reasoning: fmt.Sprintf("ethical evaluation unavailable: %v", ethErr),
		}
		results.Failures = append(results.Failures, fmt.Sprintf("pdma: %v", ethErr))
	} else {
		results.Ethical = &ethical
	}
	if plauErr != nil {
		logging.DMAError("csdma failed definitively for thought %s: %v", thought.ThoughtID, plauErr)
		results.CommonSense = &types.CommonSenseEvaluation{
			Flags:     []string{"evaluation_unavailable"},
			Reasoning: fmt.Sprintf("common-sense evaluation unavailable: %v", plauErr),
		}
		results.Failures = append(results.Failures, fmt.Sprintf("csdma: %v", plauErr))
	} else {
		results.CommonSense = &plausible
	}
	if domErr != nil {
		logging.DMAError("dsdma failed definitively for thought %s: %v", thought.ThoughtID, domErr)
		results.Domain = &types.DomainEvaluation{
			RecommendedAction: DecisionDefer,
			Reasoning:         fmt.Sprintf("domain evaluation unavailable: %v", domErr),
		}
		results.Failures = append(results.Failures, fmt.Sprintf("dsdma: %v", domErr))
	} else {
		results.Domain = &domain
	}
	return results
}

// withRetries runs fn under the per-evaluator deadline, retrying transient
// failures a bounded number of times with a fixed pause.
func (p *Pipeline) withRetries(ctx context.Context, name string, fn func(context.Context) error) error {
	dctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(dctx)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) || attempt >= p.opts.RetryLimit {
			return lastErr
		}
		logging.DMAWarn("%s attempt %d failed, retrying: %v", name, attempt+1, lastErr)
		select {
		case <-dctx.Done():
			return lastErr
		case <-time.After(dmaRetryBackoff):
		}
	}
}

// identityGuard rewrites IDENTITY-scope writes that would shift the agent's
// self-description past the variance limit into deferrals. Removing identity
// material counts as total variance.
func (p *Pipeline) identityGuard(ctx context.Context, thought types.Thought, sel types.ActionSelectionResult) (types.ActionSelectionResult, bool) {
	var (
		nodeID   string
		proposed map[string]any
		removal  bool
	)
	switch params := sel.Parameters.(type) {
	case types.MemorizeParams:
		if params.Node.Scope != types.ScopeIdentity {
			return sel, false
		}
		nodeID = params.Node.ID
		proposed = params.Node.Attributes
	case types.ForgetParams:
		if params.Scope != types.ScopeIdentity {
			return sel, false
		}
		nodeID = params.NodeID
		removal = true
	default:
		return sel, false
	}

	var current map[string]any
	node, err := p.memory.Get(ctx, nodeID, types.ScopeIdentity)
	switch {
	case err == nil && node != nil:
		current = node.Attributes
	case err == nil, types.IsKind(err, types.ErrNotFound):
		// No baseline: a fresh write is all drift, a removal is a no-op.
	default:
		logging.DMAWarn("identity guard could not read %s, deferring the write: %v", nodeID, err)
		return deferIdentity(nodeID, fmt.Sprintf("identity state unreadable: %v", err)), true
	}

	variance := 1.0
	if removal {
		if current == nil {
			return sel, false
		}
	} else {
		variance = conscience.IdentityVariance(current, proposed)
	}
	if variance <= p.opts.VarianceLimit {
		return sel, false
	}

	logging.DMAWarn("identity variance %.2f on %s exceeds limit %.2f, rewriting %s to DEFER",
		variance, nodeID, p.opts.VarianceLimit, sel.Action)
	return deferIdentity(nodeID, fmt.Sprintf(
		"proposed %s would shift identity node %s by %.0f%%, above the %.0f%% limit; wise-authority review required",
		sel.Action, nodeID, variance*100, p.opts.VarianceLimit*100)), true
}

// =============================================================================
// SYNTHESIZED SELECTIONS
// =============================================================================

func depthCapSelection(thought types.Thought, depth int) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action: types.ActionTaskComplete,
		Parameters: types.TaskCompleteParams{
			Outcome: types.TaskOutcome{
				Status:  "completed",
				Summary: "depth-cap",
			},
		},
		Rationale: fmt.Sprintf("thought chain reached round %d, past the depth limit of %d; concluding rather than circling", thought.Round, depth),
	}
}

func fallbackDefer(reason string) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionDefer,
		Parameters: types.DeferParams{Reason: reason},
		Rationale:  "deferring to a wise authority: " + reason,
	}
}

func deferIdentity(nodeID, reason string) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionDefer,
		Parameters: types.DeferParams{Reason: reason},
		Rationale:  fmt.Sprintf("identity guard held the write to %s: %s", nodeID, reason),
	}
}

// guidanceFrom renders an override verdict as re-selection guidance.
func guidanceFrom(verdict types.ConscienceResult) string {
	g := "The previous selection was rejected: " + verdict.OverrideReason
	if len(verdict.Epistemic.Insights) > 0 {
		g += "\nAccumulated insights:"
		for _, in := range verdict.Epistemic.Insights {
			g += "\n- " + in
		}
	}
	return g
}

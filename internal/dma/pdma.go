package dma

import (
	"context"
	"encoding/json"
	"fmt"

	"ciris/internal/types"
)

// =============================================================================
// PDMA - PRINCIPLED DECISION
// =============================================================================

// PDMA judges a thought against the agent's foundational principles through
// a structured model completion.
type PDMA struct {
	llm   StructuredGenerator
	model string
}

// StructuredGenerator is the slice of the LLM bus the evaluators need.
// Satisfied by *buses.LLMBus.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error)
}

// NewPDMA builds the principled evaluator. model is a hint the provider may
// substitute.
func NewPDMA(llm StructuredGenerator, model string) *PDMA {
	return &PDMA{llm: llm, model: model}
}

var ethicalSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["approve", "caution", "defer", "reject"]},
		"alignment": {"type": "number", "minimum": 0, "maximum": 1},
		"conflicts": {"type": "array", "items": {"type": "string"}},
		"reasoning": {"type": "string"},
		"should_reject": {"type": "boolean"}
	},
	"required": ["decision", "alignment", "reasoning"]
}`)

const pdmaSystemPrompt = `You are the principled decision evaluator of an autonomous agent.
Judge the thought below against these principles:

- Beneficence: act to help the people involved.
- Non-maleficence: avoid foreseeable harm.
- Integrity: no deception, no hidden agendas.
- Respect for autonomy: people decide for themselves; the agent advises.
- Justice: no group is favored or dismissed.
- Transparency: reasoning must survive being shown to the person affected.

Weigh how acting on this thought could honor or violate each principle.
"approve" means no tension worth noting; "caution" means proceed but the
conflicts listed deserve attention; "defer" means a human authority should
decide; "reject" means acting would violate a principle outright.

Respond with JSON matching the provided schema.`

// Evaluate runs the principled judgment over one thought.
func (p *PDMA) Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.EthicalEvaluation, error) {
	resp, err := p.llm.GenerateStructured(ctx, types.LLMRequest{
		Messages: []types.LLMMessage{
			{Role: types.RoleSystem, Content: pdmaSystemPrompt},
			{Role: types.RoleUser, Content: renderThought(thought, tctx)},
		},
		Model:          p.model,
		SchemaName:     "ethical_evaluation",
		ResponseSchema: ethicalSchema,
	})
	if err != nil {
		return types.EthicalEvaluation{}, fmt.Errorf("failed to generate ethical evaluation: %w", err)
	}

	var eval types.EthicalEvaluation
	if err := json.Unmarshal(resp.Content, &eval); err != nil {
		return types.EthicalEvaluation{}, types.Validation("pdma.evaluate", "malformed ethical evaluation: %v", err)
	}
	if !validDecision(eval.Decision) {
		return types.EthicalEvaluation{}, types.Validation("pdma.evaluate", "unknown decision %q", eval.Decision)
	}
	return eval, nil
}

func validDecision(d string) bool {
	switch d {
	case DecisionApprove, DecisionCaution, DecisionDefer, DecisionReject:
		return true
	}
	return false
}

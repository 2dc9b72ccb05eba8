package dma

import (
	"context"
	"encoding/json"
	"fmt"

	"ciris/internal/types"
)

// =============================================================================
// CSDMA - COMMON SENSE
// =============================================================================

// CSDMA checks a thought for plausibility: internal contradictions, physical
// impossibilities, and claims that don't square with the recorded context.
type CSDMA struct {
	llm   StructuredGenerator
	model string
}

// NewCSDMA builds the common-sense evaluator.
func NewCSDMA(llm StructuredGenerator, model string) *CSDMA {
	return &CSDMA{llm: llm, model: model}
}

var commonSenseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"plausibility_score": {"type": "number", "minimum": 0, "maximum": 1},
		"flags": {"type": "array", "items": {"type": "string"}},
		"reasoning": {"type": "string"}
	},
	"required": ["plausibility_score", "reasoning"]
}`)

const csdmaSystemPrompt = `You are the common-sense evaluator of an autonomous agent.
Check the thought below for plausibility problems:

- Internal contradictions within the thought itself.
- Claims that contradict the conversation history or recalled memory.
- Physically or logically impossible premises.
- Scale errors: treating a trivial matter as grave or a grave one as trivial.

Score plausibility from 0 (incoherent) to 1 (entirely plausible). List a
short flag for each problem found; an empty list means none.

Respond with JSON matching the provided schema.`

// Evaluate runs the plausibility check over one thought.
func (c *CSDMA) Evaluate(ctx context.Context, thought types.Thought, tctx types.ThoughtContext) (types.CommonSenseEvaluation, error) {
	resp, err := c.llm.GenerateStructured(ctx, types.LLMRequest{
		Messages: []types.LLMMessage{
			{Role: types.RoleSystem, Content: csdmaSystemPrompt},
			{Role: types.RoleUser, Content: renderThought(thought, tctx)},
		},
		Model:          c.model,
		SchemaName:     "common_sense_evaluation",
		ResponseSchema: commonSenseSchema,
	})
	if err != nil {
		return types.CommonSenseEvaluation{}, fmt.Errorf("failed to generate common-sense evaluation: %w", err)
	}

	var eval types.CommonSenseEvaluation
	if err := json.Unmarshal(resp.Content, &eval); err != nil {
		return types.CommonSenseEvaluation{}, types.Validation("csdma.evaluate", "malformed common-sense evaluation: %v", err)
	}
	if eval.PlausibilityScore < 0 || eval.PlausibilityScore > 1 {
		return types.CommonSenseEvaluation{}, types.Validation("csdma.evaluate", "plausibility %v out of range", eval.PlausibilityScore)
	}
	return eval, nil
}

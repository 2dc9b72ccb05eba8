package dma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ciris/internal/types"
)

// =============================================================================
// ACTION SELECTION
// =============================================================================

// LLMSelector asks a model to collapse the three evaluations into exactly
// one action from the closed set.
type LLMSelector struct {
	llm   StructuredGenerator
	model string
}

// NewLLMSelector builds the selector.
func NewLLMSelector(llm StructuredGenerator, model string) *LLMSelector {
	return &LLMSelector{llm: llm, model: model}
}

var selectionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["SPEAK", "OBSERVE", "TOOL", "REJECT", "PONDER", "DEFER", "MEMORIZE", "RECALL", "FORGET", "TASK_COMPLETE"]},
		"parameters": {"type": "object"},
		"rationale": {"type": "string"}
	},
	"required": ["action", "parameters", "rationale"]
}`)

const selectionSystemPrompt = `You are the action selector of an autonomous agent. Three evaluators
have judged the current thought; choose exactly one next action.

Actions and their parameters:
- SPEAK {channel_id, content}: deliver content to a channel.
- OBSERVE {channel_id, active, history_limit}: look at a channel without speaking.
- TOOL {name, arguments}: run a named tool.
- REJECT {reason, allow_resubmit}: refuse the task as inappropriate.
- PONDER {questions}: think again next round about the listed open questions.
- DEFER {reason}: hand the decision to a human wise authority.
- MEMORIZE {node}: store a graph memory node {id, type, scope, attributes}.
- RECALL {node_id | scope, node_type, prefix, limit}: load memory into context.
- FORGET {node_id, scope, reason}: remove a memory node.
- TASK_COMPLETE {outcome}: conclude the task, outcome {status, summary}.

Selection discipline:
- An ethical decision of "reject" demands REJECT; "defer" demands DEFER.
- Low plausibility or domain flags favor PONDER over acting.
- Do not SPEAK when there is nothing the channel needs to hear.
- TASK_COMPLETE when the task is genuinely done, not to escape it.

Respond with JSON matching the provided schema.`

// Select picks one action for the thought.
func (s *LLMSelector) Select(ctx context.Context, in SelectionInput) (types.ActionSelectionResult, error) {
	resp, err := s.llm.GenerateStructured(ctx, types.LLMRequest{
		Messages: []types.LLMMessage{
			{Role: types.RoleSystem, Content: selectionSystemPrompt},
			{Role: types.RoleUser, Content: renderSelection(in)},
		},
		Model:          s.model,
		SchemaName:     "action_selection",
		ResponseSchema: selectionSchema,
		Exploration:    in.Exploration,
	})
	if err != nil {
		return types.ActionSelectionResult{}, fmt.Errorf("failed to generate action selection: %w", err)
	}

	var raw struct {
		Action     types.ActionType `json:"action"`
		Parameters json.RawMessage  `json:"parameters"`
		Rationale  string           `json:"rationale"`
	}
	if err := json.Unmarshal(resp.Content, &raw); err != nil {
		return types.ActionSelectionResult{}, types.Validation("selection.select", "malformed selection: %v", err)
	}
	if !raw.Action.Valid() {
		return types.ActionSelectionResult{}, types.Validation("selection.select", "unknown action %q", raw.Action)
	}

	params, err := decodeParams(raw.Action, raw.Parameters, in.Context)
	if err != nil {
		return types.ActionSelectionResult{}, err
	}
	return types.ActionSelectionResult{
		Action:     raw.Action,
		Parameters: params,
		Rationale:  raw.Rationale,
	}, nil
}

// renderSelection lays out the thought, the three evaluations, and any
// override guidance for the selection prompt.
func renderSelection(in SelectionInput) string {
	var sb strings.Builder
	sb.WriteString(renderThought(in.Thought, in.Context))

	sb.WriteString("\n## Evaluations\n")
	if in.Results.Ethical != nil {
		sb.WriteString(fmt.Sprintf("Ethical: decision=%s alignment=%.2f", in.Results.Ethical.Decision, in.Results.Ethical.Alignment))
		if len(in.Results.Ethical.Conflicts) > 0 {
			sb.WriteString(" conflicts=" + strings.Join(in.Results.Ethical.Conflicts, "; "))
		}
		sb.WriteString("\n  " + in.Results.Ethical.Reasoning + "\n")
	}
	if in.Results.CommonSense != nil {
		sb.WriteString(fmt.Sprintf("Common sense: plausibility=%.2f", in.Results.CommonSense.PlausibilityScore))
		if len(in.Results.CommonSense.Flags) > 0 {
			sb.WriteString(" flags=" + strings.Join(in.Results.CommonSense.Flags, ", "))
		}
		sb.WriteString("\n  " + in.Results.CommonSense.Reasoning + "\n")
	}
	if in.Results.Domain != nil {
		sb.WriteString(fmt.Sprintf("Domain %s: score=%.2f", in.Results.Domain.Domain, in.Results.Domain.AlignmentScore))
		if len(in.Results.Domain.Flags) > 0 {
			sb.WriteString(" flags=" + strings.Join(in.Results.Domain.Flags, ", "))
		}
		if in.Results.Domain.RecommendedAction != "" {
			sb.WriteString(" recommends=" + in.Results.Domain.RecommendedAction)
		}
		sb.WriteString("\n  " + in.Results.Domain.Reasoning + "\n")
	}
	if len(in.Results.Failures) > 0 {
		sb.WriteString("Evaluator failures: " + strings.Join(in.Results.Failures, "; ") + "\n")
	}

	if in.Guidance != "" {
		sb.WriteString("\n## Conscience Guidance\n")
		sb.WriteString(in.Guidance)
		sb.WriteString("\nSelect again with this guidance in mind.\n")
	}

	if in.Exploration {
		sb.WriteString("\nExploration is on: a novel but safe choice beats a rote one.\n")
	}

	return sb.String()
}

// decodeParams turns the model's parameters object into the typed params
// for the chosen action. Channel-addressed actions default to the thought's
// own channel when the model leaves it blank.
func decodeParams(action types.ActionType, raw json.RawMessage, tctx types.ThoughtContext) (types.ActionParams, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	fail := func(err error) (types.ActionParams, error) {
		return nil, types.Validation("selection.decode_params", "malformed %s parameters: %v", action, err)
	}

	switch action {
	case types.ActionSpeak:
		var p types.SpeakParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		if p.ChannelID == "" {
			p.ChannelID = tctx.ChannelID
		}
		return p, nil
	case types.ActionObserve:
		var p types.ObserveParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		if p.ChannelID == "" {
			p.ChannelID = tctx.ChannelID
		}
		return p, nil
	case types.ActionTool:
		var p types.ToolParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionReject:
		var p types.RejectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionPonder:
		var p types.PonderParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionDefer:
		var p types.DeferParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionMemorize:
		var p types.MemorizeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionRecall:
		var p types.RecallParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionForget:
		var p types.ForgetParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	case types.ActionTaskComplete:
		var p types.TaskCompleteParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(err)
		}
		return p, nil
	}
	return nil, types.Validation("selection.decode_params", "unknown action %q", action)
}

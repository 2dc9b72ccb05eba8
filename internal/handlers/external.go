package handlers

import (
	"context"
	"fmt"

	"ciris/internal/buses"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// EXTERNAL ACTIONS - SPEAK / OBSERVE / TOOL
// =============================================================================

// speakHandler delivers content to a channel. Secret references are
// substituted back just before delivery; the audit record keeps the
// reference form so plaintext never reaches the trail.
type speakHandler struct{ deps Deps }

func (h *speakHandler) Action() types.ActionType { return types.ActionSpeak }

func (h *speakHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.SpeakParams)
	if !ok {
		return Effect{}, types.Validation("handlers.speak", "parameters %T are not SpeakParams", req.Selection.Parameters)
	}

	content, err := h.deps.Buses.Secrets.Decapsulate(ctx, p.Content, types.ActionSpeak, "speak:"+req.Thought.ThoughtID)
	if err != nil {
		return Effect{}, fmt.Errorf("failed to decapsulate speak content: %w", err)
	}

	// A response to a task with a human behind it must not be lost silently;
	// the communication bus escalates critical delivery failures.
	critical := req.Task.Context.AuthorID != ""
	if err := h.deps.Buses.Communication.SendMessage(ctx, buses.SendRequest{
		ChannelID: p.ChannelID,
		Content:   content,
		Critical:  critical,
	}); err != nil {
		return Effect{}, fmt.Errorf("failed to deliver to channel %s: %w", p.ChannelID, err)
	}

	return Effect{
		Payload: map[string]any{
			"channel_id":    p.ChannelID,
			"content":       clip(p.Content, 200),
			"content_bytes": len(content),
			"critical":      critical,
		},
		FollowUp: &FollowUp{
			Content: fmt.Sprintf("Delivered to channel %s: %q. If the task needs nothing further, complete it.",
				p.ChannelID, clip(content, 400)),
			Context: inheritContext(req.Thought),
		},
	}, nil
}

// observeHandler records an observation of a channel. An active observation
// pulls recent history into the follow-up context; a failed fetch degrades
// to a note-only observation rather than killing the thought.
type observeHandler struct{ deps Deps }

func (h *observeHandler) Action() types.ActionType { return types.ActionObserve }

func (h *observeHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.ObserveParams)
	if !ok {
		return Effect{}, types.Validation("handlers.observe", "parameters %T are not ObserveParams", req.Selection.Parameters)
	}

	payload := map[string]any{"channel_id": p.ChannelID, "active": p.Active}

	var history []types.FetchedMessage
	if p.Active {
		msgs, err := h.deps.Buses.Communication.FetchMessages(ctx, buses.FetchRequest{
			ChannelID: p.ChannelID,
			Limit:     p.HistoryLimit,
		})
		if err != nil {
			logging.HandlerWarn("observe: history fetch for %s failed, continuing without: %v", p.ChannelID, err)
			payload["fetch_error"] = err.Error()
		} else {
			history = msgs
		}
	}
	payload["fetched"] = len(history)

	observation := p.Note
	if observation == "" {
		observation = fmt.Sprintf("Observed channel %s.", p.ChannelID)
	}

	fctx := inheritContext(req.Thought)
	fctx.Observation = observation
	fctx.ChannelHistory = history

	return Effect{
		Payload: payload,
		FollowUp: &FollowUp{
			Type: types.ThoughtTypeObservation,
			Content: fmt.Sprintf("Observed channel %s (%d messages in context). Decide what the observations mean for the task.",
				p.ChannelID, len(history)),
			Context: fctx,
		},
	}, nil
}

// toolHandler invokes a named tool through the tool bus. A tool that ran
// and reported failure is still a result: the follow-up thought carries it
// so the next round can react. Only transport-level errors fail the thought.
type toolHandler struct{ deps Deps }

func (h *toolHandler) Action() types.ActionType { return types.ActionTool }

func (h *toolHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.ToolParams)
	if !ok {
		return Effect{}, types.Validation("handlers.tool", "parameters %T are not ToolParams", req.Selection.Parameters)
	}

	args, err := h.decapsulateArgs(ctx, req, p.Arguments)
	if err != nil {
		return Effect{}, err
	}

	result, err := h.deps.Buses.Tool.Execute(ctx, p.Name, args)
	if err != nil {
		return Effect{}, fmt.Errorf("failed to execute tool %s: %w", p.Name, err)
	}

	verdict := "succeeded"
	if !result.Success {
		verdict = "failed: " + clip(result.Error, 200)
	}

	fctx := inheritContext(req.Thought)
	fctx.ToolResult = &result

	return Effect{
		Payload: map[string]any{
			"tool":         p.Name,
			"success":      result.Success,
			"output_bytes": len(result.Output),
		},
		FollowUp: &FollowUp{
			Content: fmt.Sprintf("Tool %s %s. Weigh the result and choose the next action.", p.Name, verdict),
			Context: fctx,
		},
	}, nil
}

// decapsulateArgs substitutes secret references in string arguments before
// the tool sees them.
func (h *toolHandler) decapsulateArgs(ctx context.Context, req Request, args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return args, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		s, isString := v.(string)
		if !isString {
			out[k] = v
			continue
		}
		plain, err := h.deps.Buses.Secrets.Decapsulate(ctx, s, types.ActionTool, "tool:"+req.Thought.ThoughtID)
		if err != nil {
			return nil, fmt.Errorf("failed to decapsulate tool argument %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

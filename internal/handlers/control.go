package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// CONTROL ACTIONS - REJECT / PONDER / DEFER
// =============================================================================

// rejectHandler terminates the task as failed with the stated reason.
type rejectHandler struct{ deps Deps }

func (h *rejectHandler) Action() types.ActionType { return types.ActionReject }

func (h *rejectHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.RejectParams)
	if !ok {
		return Effect{}, types.Validation("handlers.reject", "parameters %T are not RejectParams", req.Selection.Parameters)
	}

	outcome := &types.TaskOutcome{Status: "rejected", Summary: p.Reason}
	if err := h.deps.Store.SetTaskOutcome(ctx, req.Task.TaskID, outcome); err != nil {
		return Effect{}, fmt.Errorf("failed to record rejection outcome: %w", err)
	}
	if err := h.deps.Store.UpdateTaskStatus(ctx, req.Task.TaskID, types.TaskFailed); err != nil {
		return Effect{}, fmt.Errorf("failed to fail rejected task: %w", err)
	}

	return Effect{
		Payload: map[string]any{
			"reason":         p.Reason,
			"allow_resubmit": p.AllowResubmit,
		},
	}, nil
}

// ponderHandler queues another reasoning round over the open questions. The
// depth cap is enforced where the chain is evaluated, not here: the
// follow-up is always created and the pipeline converts an over-deep thought
// into task completion.
type ponderHandler struct{ deps Deps }

func (h *ponderHandler) Action() types.ActionType { return types.ActionPonder }

func (h *ponderHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.PonderParams)
	if !ok {
		return Effect{}, types.Validation("handlers.ponder", "parameters %T are not PonderParams", req.Selection.Parameters)
	}

	count, err := h.deps.Store.IncrementPonderCount(ctx, req.Thought.ThoughtID)
	if err != nil {
		return Effect{}, fmt.Errorf("failed to increment ponder count: %w", err)
	}

	return Effect{
		Payload: map[string]any{
			"questions":    len(p.Questions),
			"ponder_count": count,
		},
		FollowUp: &FollowUp{
			Type:        types.ThoughtTypeStandard,
			Content:     "Continue reasoning. Open questions:\n- " + strings.Join(p.Questions, "\n- "),
			Context:     inheritContext(req.Thought),
			PonderCount: count,
		},
	}, nil
}

// deferHandler hands the task to a wise authority. The deferral itself is a
// local state change; submission to an authority is a notification and its
// failure is recorded, not fatal. A reactivation time becomes a one-shot
// scheduled task that re-activates the deferred work when due.
type deferHandler struct{ deps Deps }

func (h *deferHandler) Action() types.ActionType { return types.ActionDefer }

func (h *deferHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.DeferParams)
	if !ok {
		return Effect{}, types.Validation("handlers.defer", "parameters %T are not DeferParams", req.Selection.Parameters)
	}

	payload := map[string]any{"reason": p.Reason}

	submitted := true
	if err := h.deps.Buses.WiseAuthority.SubmitDeferral(ctx, types.DeferralRequest{
		TaskID:    req.Task.TaskID,
		ThoughtID: req.Thought.ThoughtID,
		Reason:    p.Reason,
	}); err != nil {
		submitted = false
		payload["submit_error"] = err.Error()
		logging.HandlerWarn("deferral of task %s reached no authority: %v", req.Task.TaskID, err)
	}
	payload["submitted"] = submitted

	if p.ReactivateAt != nil {
		st := &types.ScheduledTask{
			ID:              uuid.NewString(),
			GoalDescription: req.Task.Description,
			DeferUntil:      p.ReactivateAt,
			TriggerPrompt:   "Deferred task is due again. Original deferral reason: " + p.Reason,
			OriginThoughtID: req.Thought.ThoughtID,
		}
		if err := h.deps.Store.UpsertScheduledTask(ctx, st); err != nil {
			return Effect{}, fmt.Errorf("failed to schedule reactivation: %w", err)
		}
		payload["reactivate_at"] = p.ReactivateAt.UTC().Format(time.RFC3339)
		payload["scheduled_task_id"] = st.ID
	}

	if err := h.deps.Store.UpdateTaskStatus(ctx, req.Task.TaskID, types.TaskDeferred); err != nil {
		return Effect{}, fmt.Errorf("failed to defer task: %w", err)
	}

	return Effect{Payload: payload}, nil
}

package handlers

import (
	"context"
	"fmt"

	"ciris/internal/audit"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// TERMINAL ACTION - TASK_COMPLETE
// =============================================================================

// taskCompleteHandler concludes the task: outcome recorded, status
// COMPLETED, and optionally a signature over the canonical task fields so
// the recorded result cannot be swapped later.
type taskCompleteHandler struct{ deps Deps }

func (h *taskCompleteHandler) Action() types.ActionType { return types.ActionTaskComplete }

func (h *taskCompleteHandler) Handle(ctx context.Context, req Request) (Effect, error) {
	p, ok := req.Selection.Parameters.(types.TaskCompleteParams)
	if !ok {
		return Effect{}, types.Validation("handlers.task_complete", "parameters %T are not TaskCompleteParams", req.Selection.Parameters)
	}

	outcome := p.Outcome
	if outcome.Status == "" {
		outcome.Status = "completed"
	}

	if err := h.deps.Store.SetTaskOutcome(ctx, req.Task.TaskID, &outcome); err != nil {
		return Effect{}, fmt.Errorf("failed to record task outcome: %w", err)
	}
	if err := h.deps.Store.UpdateTaskStatus(ctx, req.Task.TaskID, types.TaskCompleted); err != nil {
		return Effect{}, fmt.Errorf("failed to complete task: %w", err)
	}

	signed := false
	if p.SignTask {
		if h.deps.Signer == nil {
			logging.HandlerWarn("task %s asked to be signed but no signer is configured", req.Task.TaskID)
		} else if err := h.sign(ctx, req.Task.TaskID); err != nil {
			return Effect{}, err
		} else {
			signed = true
		}
	}

	return Effect{
		Payload: map[string]any{
			"status":  outcome.Status,
			"summary": clip(outcome.Summary, 300),
			"signed":  signed,
		},
	}, nil
}

// sign hashes the task as persisted and attaches the signature.
func (h *taskCompleteHandler) sign(ctx context.Context, taskID string) error {
	task, err := h.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task for signing: %w", err)
	}
	hash, err := audit.TaskHash(*task)
	if err != nil {
		return fmt.Errorf("failed to hash task for signing: %w", err)
	}
	sig, keyID, err := h.deps.Signer.Sign(hash)
	if err != nil {
		return fmt.Errorf("failed to sign task: %w", err)
	}
	if err := h.deps.Store.SetTaskSignature(ctx, taskID, sig, keyID); err != nil {
		return fmt.Errorf("failed to store task signature: %w", err)
	}
	logging.Handler("task %s signed by key %s", taskID, keyID)
	return nil
}

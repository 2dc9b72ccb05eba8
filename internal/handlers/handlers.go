// Package handlers executes selected actions. Every handler follows the same
// shape: validate the typed parameters, act through the proper bus, record
// exactly one audit event, update thought and task state, and queue a
// follow-up thought when the action continues the chain. Handlers keep no
// state between invocations; everything they touch is reached through Deps.
//
// Failure policy: a handler error marks the thought FAILED with the error
// captured in the audit trail, no follow-up is created, and the task keeps
// its prior status. The exception is TASK_COMPLETE, whose task transition
// happens inside the handler before anything can fail after it.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"ciris/internal/buses"
	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// =============================================================================
// DISPATCH
// =============================================================================

// TaskSigner signs completed tasks for downstream accountability.
// Satisfied by *audit.Signer.
type TaskSigner interface {
	Sign(entryHash string) (signature, keyID string, err error)
}

// Deps is everything a handler may reach. Buses are the only path to
// services; the store is for thought/task bookkeeping only.
type Deps struct {
	Buses *buses.Manager
	Store *persistence.Store
	Clock clock.Clock
	// Signer is optional; without it TASK_COMPLETE ignores sign_task.
	Signer TaskSigner
}

// Request is one dispatch: a selected action applied to its thought.
type Request struct {
	Task      *types.Task
	Thought   *types.Thought
	Selection types.ActionSelectionResult
	// Epistemic carries the conscience scores accumulated this round into
	// the follow-up thought's context.
	Epistemic *types.EpistemicData
}

// Result reports what a dispatch did.
type Result struct {
	Action     types.ActionType
	Terminal   bool
	FollowUpID string
}

// Effect is what a successful handler returns for shared bookkeeping:
// the audit payload for its action event and, for non-terminal actions,
// the follow-up thought to queue.
type Effect struct {
	Payload  map[string]any
	FollowUp *FollowUp
}

// FollowUp describes the next thought in the chain. The dispatcher assigns
// identity, round, and parentage; zero Type defaults to FOLLOW_UP and zero
// PonderCount inherits the parent's.
type FollowUp struct {
	Type        types.ThoughtType
	Content     string
	Context     types.ThoughtContext
	PonderCount int
}

// Handler executes one action type.
type Handler interface {
	Action() types.ActionType
	Handle(ctx context.Context, req Request) (Effect, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Set holds the ten handlers and the shared dispatch discipline around them.
type Set struct {
	deps     Deps
	handlers map[types.ActionType]Handler
}

// NewSet builds the full handler set.
func NewSet(deps Deps) *Set {
	s := &Set{deps: deps, handlers: make(map[types.ActionType]Handler, 10)}
	for _, h := range []Handler{
		&speakHandler{deps: deps},
		&observeHandler{deps: deps},
		&toolHandler{deps: deps},
		&rejectHandler{deps: deps},
		&ponderHandler{deps: deps},
		&deferHandler{deps: deps},
		&memorizeHandler{deps: deps},
		&recallHandler{deps: deps},
		&forgetHandler{deps: deps},
		&taskCompleteHandler{deps: deps},
	} {
		s.handlers[h.Action()] = h
	}
	return s
}

// Dispatch runs the handler for the selected action and does the shared
// bookkeeping: one audit event, thought status, follow-up creation.
func (s *Set) Dispatch(ctx context.Context, req Request) (Result, error) {
	action := req.Selection.Action
	h, ok := s.handlers[action]
	if !ok {
		return s.fail(ctx, req, types.Validation("handlers.dispatch", "no handler for action %q", action))
	}
	if err := validateParams(req.Selection); err != nil {
		return s.fail(ctx, req, err)
	}

	logging.HandlerDebug("dispatching %s for thought %s round=%d",
		action, req.Thought.ThoughtID, req.Thought.Round)

	timer := logging.StartTimer(logging.CategoryHandler, strings.ToLower(string(action)))
	effect, err := h.Handle(ctx, req)
	timer.Stop()
	if err != nil {
		return s.fail(ctx, req, err)
	}

	if err := s.auditEvent(ctx, req, types.ActionEventType(action), effect.Payload); err != nil {
		logging.HandlerError("%s executed but audit write failed: %v", action, err)
		s.markThought(ctx, req, types.ThoughtFailed)
		return Result{Action: action}, err
	}

	if err := s.deps.Store.SetThoughtFinalAction(ctx, req.Thought.ThoughtID, action); err != nil {
		s.markThought(ctx, req, types.ThoughtFailed)
		return Result{Action: action}, err
	}
	if err := s.markThought(ctx, req, types.ThoughtCompleted); err != nil {
		return Result{Action: action}, err
	}

	result := Result{Action: action, Terminal: action.IsTerminal()}
	if effect.FollowUp != nil {
		id, err := s.queueFollowUp(ctx, req, effect.FollowUp)
		if err != nil {
			return result, err
		}
		result.FollowUpID = id
	}
	logging.Handler("%s completed for thought %s (terminal=%v follow_up=%s)",
		action, req.Thought.ThoughtID, result.Terminal, result.FollowUpID)
	return result, nil
}

// fail is the single failure path: the thought goes FAILED with the error
// captured in exactly one audit event, no follow-up, task untouched.
func (s *Set) fail(ctx context.Context, req Request, cause error) (Result, error) {
	action := req.Selection.Action
	eventType := types.AuditThoughtFailed
	if types.IsKind(cause, types.ErrSecurity) {
		eventType = types.AuditSecurityViolation
	}

	logging.HandlerWarn("%s on thought %s failed: %v", action, req.Thought.ThoughtID, cause)
	if err := s.auditEvent(ctx, req, eventType, map[string]any{
		"action": string(action),
		"error":  cause.Error(),
	}); err != nil {
		logging.HandlerError("audit of %s failure also failed: %v", action, err)
	}
	s.markThought(ctx, req, types.ThoughtFailed)
	return Result{Action: action}, cause
}

func (s *Set) markThought(ctx context.Context, req Request, status types.ThoughtStatus) error {
	if err := s.deps.Store.UpdateThoughtStatus(ctx, req.Thought.ThoughtID, status); err != nil {
		logging.HandlerError("thought %s could not transition to %s: %v", req.Thought.ThoughtID, status, err)
		return err
	}
	return nil
}

func (s *Set) auditEvent(ctx context.Context, req Request, eventType types.AuditEventType, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["task_id"] = req.Task.TaskID
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return s.deps.Buses.Audit.LogEvent(ctx, types.AuditEvent{
		EventType:    eventType,
		OriginatorID: req.Thought.ThoughtID,
		Payload:      data,
	})
}

func (s *Set) queueFollowUp(ctx context.Context, req Request, fu *FollowUp) (string, error) {
	tctx := fu.Context
	if req.Epistemic != nil {
		tctx.Epistemic = req.Epistemic
	}

	thought := &types.Thought{
		ThoughtID:       uuid.NewString(),
		SourceTaskID:    req.Thought.SourceTaskID,
		Type:            fu.Type,
		Status:          types.ThoughtPending,
		Round:           req.Thought.Round + 1,
		Content:         fu.Content,
		Context:         tctx,
		PonderCount:     fu.PonderCount,
		ParentThoughtID: req.Thought.ThoughtID,
		CreatedAt:       s.deps.Clock.Now(),
		UpdatedAt:       s.deps.Clock.Now(),
	}
	if thought.Type == "" {
		thought.Type = types.ThoughtTypeFollowUp
	}
	if thought.PonderCount == 0 {
		thought.PonderCount = req.Thought.PonderCount
	}

	if err := s.deps.Store.AddThought(ctx, thought); err != nil {
		return "", fmt.Errorf("failed to queue follow-up thought: %w", err)
	}
	logging.HandlerDebug("queued follow-up %s round=%d for task %s",
		thought.ThoughtID, thought.Round, thought.SourceTaskID)
	return thought.ThoughtID, nil
}

func validateParams(sel types.ActionSelectionResult) error {
	if sel.Parameters == nil {
		return types.Validation("handlers.validate", "action %s carries no parameters", sel.Action)
	}
	if sel.Parameters.ActionType() != sel.Action {
		return types.Validation("handlers.validate", "parameters %T do not match action %s", sel.Parameters, sel.Action)
	}
	if err := validate.Struct(sel.Parameters); err != nil {
		return types.Validation("handlers.validate", "invalid %s parameters: %v", sel.Action, err)
	}
	return nil
}

// inheritContext copies the routing identity of the parent thought into a
// follow-up context. Action-specific fields are layered on by each handler.
func inheritContext(t *types.Thought) types.ThoughtContext {
	return types.ThoughtContext{
		ChannelID:     t.Context.ChannelID,
		AuthorID:      t.Context.AuthorID,
		AuthorName:    t.Context.AuthorName,
		CorrelationID: t.Context.CorrelationID,
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

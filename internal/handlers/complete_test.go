package handlers

import (
	"context"
	"strings"
	"testing"

	"ciris/internal/audit"
	"ciris/internal/types"
)

// =============================================================================
// TASK_COMPLETE
// =============================================================================

func TestTaskComplete_RecordsOutcome(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 2)

	result, err := e.dispatch(t, task, thought, types.TaskCompleteParams{
		Outcome: types.TaskOutcome{
			Status:         "completed",
			Summary:        "answered the question and confirmed with the user",
			ActionsTaken:   []string{"SPEAK"},
			PositiveMoment: "user said thanks",
		},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !result.Terminal {
		t.Error("TASK_COMPLETE not reported terminal")
	}

	stored := e.task(t, task.TaskID)
	if stored.Status != types.TaskCompleted {
		t.Errorf("task status = %s, want COMPLETED", stored.Status)
	}
	if stored.Outcome == nil || stored.Outcome.Summary != "answered the question and confirmed with the user" {
		t.Fatalf("task outcome = %+v, want the recorded summary", stored.Outcome)
	}
	if stored.Signature != "" {
		t.Errorf("task signed without being asked: %q", stored.Signature)
	}

	event, payload := e.audit.single(t)
	if event.EventType != types.AuditActionTaskComplete {
		t.Errorf("event type = %s, want ACTION_TASK_COMPLETE", event.EventType)
	}
	if payload["signed"] != false {
		t.Errorf("payload signed = %v, want false", payload["signed"])
	}
}

func TestTaskComplete_DefaultsOutcomeStatus(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	if _, err := e.dispatch(t, task, thought, types.TaskCompleteParams{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	stored := e.task(t, task.TaskID)
	if stored.Outcome == nil || stored.Outcome.Status != "completed" {
		t.Errorf("task outcome = %+v, want default status completed", stored.Outcome)
	}
}

func TestTaskComplete_SignsTask(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 3)

	_, err := e.dispatch(t, task, thought, types.TaskCompleteParams{
		Outcome:  types.TaskOutcome{Summary: "resolved"},
		SignTask: true,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	stored := e.task(t, task.TaskID)
	if stored.Signature == "" || stored.SignedBy != "audit-key-1" {
		t.Fatalf("signature = %q signed_by = %q, want the stub signer's output", stored.Signature, stored.SignedBy)
	}
	if stored.SignedAt == nil {
		t.Error("signed_at not recorded")
	}

	// The signed hash must be recomputable from the stored row even though
	// attaching the signature itself mutated bookkeeping fields.
	recomputed, err := audit.TaskHash(*stored)
	if err != nil {
		t.Fatalf("TaskHash failed: %v", err)
	}
	if len(e.signer.hashes) != 1 {
		t.Fatalf("signer called %d times, want 1", len(e.signer.hashes))
	}
	if e.signer.hashes[0] != recomputed {
		t.Errorf("signed hash %s does not match recomputed hash %s", e.signer.hashes[0], recomputed)
	}
	if !strings.HasPrefix(stored.Signature, "sig-") {
		t.Errorf("signature = %q, want the stub form", stored.Signature)
	}

	_, payload := e.audit.single(t)
	if payload["signed"] != true {
		t.Errorf("payload signed = %v, want true", payload["signed"])
	}
}

func TestTaskComplete_SignerFailureFailsThought(t *testing.T) {
	e := newEnv(t)
	e.signer.err = types.Fatal("signer", "key store sealed")
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := e.dispatch(t, task, thought, types.TaskCompleteParams{SignTask: true})
	if err == nil {
		t.Fatal("Dispatch succeeded despite signing failure")
	}

	// The completion transition lands before signing; the thought still
	// fails so the unsigned completion is visible in the trail.
	if got := e.task(t, task.TaskID).Status; got != types.TaskCompleted {
		t.Errorf("task status = %s, want COMPLETED", got)
	}
	if got := e.thought(t, thought.ThoughtID).Status; got != types.ThoughtFailed {
		t.Errorf("thought status = %s, want FAILED", got)
	}
	event, _ := e.audit.single(t)
	if event.EventType != types.AuditThoughtFailed {
		t.Errorf("event type = %s, want THOUGHT_FAILED", event.EventType)
	}
}

func TestTaskComplete_NoSignerIgnoresSignRequest(t *testing.T) {
	e := newEnv(t)
	set := NewSet(Deps{Buses: e.buses, Store: e.store, Clock: e.clk})
	task := e.seedTask(t, "user-1")
	thought := e.seedThought(t, task, 1)

	_, err := set.Dispatch(context.Background(), Request{
		Task:    task,
		Thought: thought,
		Selection: types.ActionSelectionResult{
			Action:     types.ActionTaskComplete,
			Parameters: types.TaskCompleteParams{SignTask: true},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	stored := e.task(t, task.TaskID)
	if stored.Status != types.TaskCompleted {
		t.Errorf("task status = %s, want COMPLETED", stored.Status)
	}
	if stored.Signature != "" {
		t.Errorf("task signed with no signer configured: %q", stored.Signature)
	}
	_, payload := e.audit.single(t)
	if payload["signed"] != false {
		t.Errorf("payload signed = %v, want false", payload["signed"])
	}
}

package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"ciris/internal/types"
)

func TestRunRound_ClaimHonorsActiveThoughtBudget(t *testing.T) {
	e := newEnv(t, Options{MaxActiveThoughts: 3})
	ctx := context.Background()
	task := e.seedTask(t, "drain a deep queue")

	for i := 0; i < 5; i++ {
		th := &types.Thought{
			ThoughtID:    uuid.NewString(),
			SourceTaskID: task.TaskID,
			Content:      "queued work",
		}
		if err := e.store.AddThought(ctx, th); err != nil {
			t.Fatalf("AddThought failed: %v", err)
		}
	}

	n, err := e.proc.RunRound(ctx)
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if n != 3 {
		t.Errorf("round processed %d thoughts, want the budget of 3", n)
	}

	left, err := e.store.CountThoughtsByStatus(ctx, types.ThoughtPending)
	if err != nil {
		t.Fatalf("CountThoughtsByStatus failed: %v", err)
	}
	if left != 2 {
		t.Errorf("%d thoughts still pending, want 2", left)
	}
}

func TestRunRound_PipelineErrorFailsThought(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	task := e.seedTask(t, "doomed reasoning")
	e.pipe.err = types.Fatal("stub.pipeline", "model exploded")

	n, err := e.proc.RunRound(ctx)
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if n != 1 {
		t.Errorf("round started %d thoughts, want 1", n)
	}
	if len(e.disp.all()) != 0 {
		t.Error("dispatch ran despite the pipeline failure")
	}

	thoughts, err := e.store.ListThoughtsForTask(ctx, task.TaskID)
	if err != nil || len(thoughts) != 1 {
		t.Fatalf("ListThoughtsForTask = %d thoughts, %v", len(thoughts), err)
	}
	if thoughts[0].Status != types.ThoughtFailed {
		t.Errorf("thought status = %s, want FAILED", thoughts[0].Status)
	}

	failures := e.audit.ofType(types.AuditThoughtFailed)
	if len(failures) != 1 {
		t.Fatalf("%d THOUGHT_FAILED events, want 1", len(failures))
	}
	payload := decodePayload(t, failures[0])
	if !strings.Contains(payload["error"].(string), "pipeline failed") {
		t.Errorf("failure payload %v does not name the pipeline", payload["error"])
	}
	if payload["task_id"] != task.TaskID {
		t.Errorf("failure payload task_id = %v, want %s", payload["task_id"], task.TaskID)
	}
}

func TestRunRound_ThoughtOfFinishedTaskFailsWithoutEvaluation(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	task := e.seedTask(t, "already wrapped up")
	th := &types.Thought{
		ThoughtID:    uuid.NewString(),
		SourceTaskID: task.TaskID,
		Content:      "late arrival",
	}
	if err := e.store.AddThought(ctx, th); err != nil {
		t.Fatalf("AddThought failed: %v", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, types.TaskCompleted); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	if _, err := e.proc.RunRound(ctx); err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}

	if len(e.pipe.seen()) != 0 {
		t.Error("pipeline evaluated a thought for a finished task")
	}
	got, err := e.store.GetThought(ctx, th.ThoughtID)
	if err != nil {
		t.Fatalf("GetThought failed: %v", err)
	}
	if got.Status != types.ThoughtFailed {
		t.Errorf("thought status = %s, want FAILED", got.Status)
	}
}

// =============================================================================
// SCHEDULED TASKS
// =============================================================================

func TestRunRound_OneShotScheduleReactivatesDeferredTask(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	task := e.seedTask(t, "verify the nightly backup")
	origin := &types.Thought{
		ThoughtID:    uuid.NewString(),
		SourceTaskID: task.TaskID,
		Content:      "deferring until the window opens",
	}
	if err := e.store.AddThought(ctx, origin); err != nil {
		t.Fatalf("AddThought failed: %v", err)
	}
	if err := e.store.UpdateThoughtStatus(ctx, origin.ThoughtID, types.ThoughtCompleted); err != nil {
		t.Fatalf("UpdateThoughtStatus failed: %v", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.TaskID, types.TaskDeferred); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	due := testEpoch.Add(-time.Hour)
	st := &types.ScheduledTask{
		ID:              uuid.NewString(),
		GoalDescription: task.Description,
		DeferUntil:      &due,
		TriggerPrompt:   "The deferral window has passed. Verify the nightly backup now.",
		OriginThoughtID: origin.ThoughtID,
	}
	if err := e.store.UpsertScheduledTask(ctx, st); err != nil {
		t.Fatalf("UpsertScheduledTask failed: %v", err)
	}

	n, err := e.proc.RunRound(ctx)
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if n != 1 {
		t.Errorf("round processed %d thoughts, want 1 (the reactivation seed)", n)
	}

	reactivated, err := e.store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if reactivated.Status != types.TaskActive {
		t.Errorf("deferred task status = %s, want ACTIVE again", reactivated.Status)
	}

	reqs := e.disp.all()
	if len(reqs) != 1 {
		t.Fatalf("%d dispatches, want 1", len(reqs))
	}
	if reqs[0].Thought.Content != st.TriggerPrompt {
		t.Errorf("seed content = %q, want the trigger prompt", reqs[0].Thought.Content)
	}
	if reqs[0].Task.TaskID != task.TaskID {
		t.Errorf("dispatch hit task %s, want the reactivated original %s", reqs[0].Task.TaskID, task.TaskID)
	}

	retired, err := e.store.GetScheduledTask(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetScheduledTask failed: %v", err)
	}
	if retired.Status != types.ScheduledComplete {
		t.Errorf("one-shot schedule status = %s, want COMPLETE after firing", retired.Status)
	}

	created := e.audit.ofType(types.AuditTaskCreated)
	if len(created) != 1 {
		t.Fatalf("%d TASK_CREATED events, want 1", len(created))
	}
	payload := decodePayload(t, created[0])
	if payload["reactivated"] != true || payload["scheduled_task_id"] != st.ID {
		t.Errorf("trigger payload = %v, want reactivated=true for schedule %s", payload, st.ID)
	}
}

func TestRunRound_CronScheduleSpawnsTaskAndRecomputes(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	past := testEpoch.Add(-time.Minute)
	st := &types.ScheduledTask{
		ID:              uuid.NewString(),
		GoalDescription: "rotate the audit signing key",
		ScheduleCron:    "30 * * * *",
		NextTriggerAt:   &past,
	}
	if err := e.store.UpsertScheduledTask(ctx, st); err != nil {
		t.Fatalf("UpsertScheduledTask failed: %v", err)
	}

	n, err := e.proc.RunRound(ctx)
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if n != 1 {
		t.Errorf("round processed %d thoughts, want 1", n)
	}

	active, err := e.store.ListTasksByStatus(ctx, types.TaskActive)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(active) != 1 || active[0].Description != st.GoalDescription {
		t.Fatalf("active tasks = %d, want exactly the spawned goal task", len(active))
	}

	// No trigger prompt: the seed falls back to the goal.
	reqs := e.disp.all()
	if len(reqs) != 1 || reqs[0].Thought.Content != st.GoalDescription {
		t.Errorf("seed content = %q, want the goal description", reqs[0].Thought.Content)
	}

	rearmed, err := e.store.GetScheduledTask(ctx, st.ID)
	if err != nil {
		t.Fatalf("GetScheduledTask failed: %v", err)
	}
	if rearmed.Status != types.ScheduledActive {
		t.Errorf("cron schedule status = %s, want ACTIVE", rearmed.Status)
	}
	want := testEpoch.Add(30 * time.Minute)
	if rearmed.NextTriggerAt == nil || !rearmed.NextTriggerAt.Equal(want) {
		t.Errorf("next trigger = %v, want %v (minute 30 of the current hour)", rearmed.NextTriggerAt, want)
	}

	payload := decodePayload(t, e.audit.ofType(types.AuditTaskCreated)[0])
	if payload["recurring"] != true || payload["reactivated"] != false {
		t.Errorf("trigger payload = %v, want recurring=true reactivated=false", payload)
	}
}

func TestRunRound_ScheduleWithDeadOriginSpawnsFreshTask(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	due := testEpoch.Add(-time.Minute)
	st := &types.ScheduledTask{
		ID:              uuid.NewString(),
		GoalDescription: "follow up with the operator",
		DeferUntil:      &due,
		TriggerPrompt:   "Check back in with the operator about the incident.",
		OriginThoughtID: uuid.NewString(), // never persisted
	}
	if err := e.store.UpsertScheduledTask(ctx, st); err != nil {
		t.Fatalf("UpsertScheduledTask failed: %v", err)
	}

	if _, err := e.proc.RunRound(ctx); err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}

	active, err := e.store.ListTasksByStatus(ctx, types.TaskActive)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(active) != 1 || active[0].Description != st.GoalDescription {
		t.Fatalf("expected a fresh task carrying the goal, got %d tasks", len(active))
	}

	payload := decodePayload(t, e.audit.ofType(types.AuditTaskCreated)[0])
	if payload["reactivated"] != false {
		t.Errorf("payload = %v, want reactivated=false when the origin is gone", payload)
	}
}

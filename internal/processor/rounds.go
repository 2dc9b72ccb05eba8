package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ciris/internal/handlers"
	"ciris/internal/logging"
	"ciris/internal/telemetry"
	"ciris/internal/types"
)

// =============================================================================
// ROUND LOOP
// =============================================================================

// RunRound executes one full round and returns how many thoughts it
// processed. Rounds are serialized: the loop and operator single-steps
// never overlap.
func (p *Processor) RunRound(ctx context.Context) (int, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	p.round++
	round := p.round
	p.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryProcessor, "round")
	defer timer.Stop()
	logging.ProcessorDebug("round %d begin", round)

	// 1. Fire due scheduled work into tasks.
	p.triggerScheduled(ctx)

	// 2. Seed the initial thought for active tasks that have none.
	if err := p.seedThoughts(ctx); err != nil {
		logging.ProcessorWarn("seeding failed: %v", err)
	}

	// 3. Claim up to the active-thought budget.
	claimed, err := p.claimThoughts(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		logging.ProcessorDebug("round %d idle", round)
		return 0, nil
	}

	// 4. Evaluate and dispatch with bounded parallelism.
	n := p.exec.run(ctx, claimed, p.processThought)
	logging.Processor("round %d processed %d/%d thoughts", round, n, len(claimed))
	if n > 0 {
		p.recordMetric(ctx, telemetry.MetricThoughtsProcessed, float64(n),
			map[string]string{"state": string(p.State())})
	}
	return n, nil
}

// claimThoughts moves up to MaxActiveThoughts PENDING thoughts to
// PROCESSING and returns them. A thought that cannot be claimed is skipped,
// not fatal.
func (p *Processor) claimThoughts(ctx context.Context) ([]*types.Thought, error) {
	pending, err := p.deps.Store.ListPendingThoughts(ctx, p.opts.MaxActiveThoughts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending thoughts: %w", err)
	}

	claimed := make([]*types.Thought, 0, len(pending))
	for _, th := range pending {
		if err := p.deps.Store.UpdateThoughtStatus(ctx, th.ThoughtID, types.ThoughtProcessing); err != nil {
			logging.ProcessorWarn("failed to claim thought %s: %v", th.ThoughtID, err)
			continue
		}
		th.Status = types.ThoughtProcessing
		claimed = append(claimed, th)
	}
	return claimed, nil
}

// processThought runs one thought through the pipeline and dispatches the
// selected action. Dispatch does its own failure bookkeeping; failures
// before dispatch are marked here.
func (p *Processor) processThought(ctx context.Context, th *types.Thought) {
	task, err := p.deps.Store.GetTask(ctx, th.SourceTaskID)
	if err != nil {
		p.failThought(ctx, th, fmt.Errorf("task lookup failed: %w", err))
		return
	}
	if task.Status != types.TaskActive {
		// A sibling thought already finished the task this round.
		p.failThought(ctx, th, fmt.Errorf("task %s is %s, not ACTIVE", task.TaskID, task.Status))
		return
	}

	started := p.deps.Clock.Now()
	out, err := p.deps.Pipeline.Evaluate(ctx, *th, th.Context)
	p.recordMetric(ctx, telemetry.MetricDMALatencySeconds,
		p.deps.Clock.Now().Sub(started).Seconds(), nil)
	if err != nil {
		p.failThought(ctx, th, fmt.Errorf("pipeline failed: %w", err))
		return
	}

	epi := out.Epistemic()
	res, err := p.deps.Handlers.Dispatch(ctx, handlers.Request{
		Task:      task,
		Thought:   th,
		Selection: out.Selection,
		Epistemic: &epi,
	})
	if err != nil {
		logging.ProcessorWarn("dispatch of %s for thought %s failed: %v",
			out.Selection.Action, th.ThoughtID, err)
		return
	}
	if res.Terminal {
		logging.ProcessorDebug("thought %s ended its chain with %s", th.ThoughtID, res.Action)
	}
}

// failThought records a pre-dispatch failure the way the handler set does:
// status FAILED plus one THOUGHT_FAILED event.
func (p *Processor) failThought(ctx context.Context, th *types.Thought, cause error) {
	logging.ProcessorWarn("thought %s failed before dispatch: %v", th.ThoughtID, cause)
	if err := p.deps.Store.UpdateThoughtStatus(ctx, th.ThoughtID, types.ThoughtFailed); err != nil {
		logging.ProcessorError("failed to mark thought %s FAILED: %v", th.ThoughtID, err)
	}
	p.auditEvent(ctx, types.AuditThoughtFailed, th.ThoughtID, map[string]any{
		"task_id": th.SourceTaskID,
		"error":   cause.Error(),
	})
}

// =============================================================================
// SEEDING
// =============================================================================

// seedThoughts creates the round-0 thought for every ACTIVE task that has
// none yet.
func (p *Processor) seedThoughts(ctx context.Context) error {
	tasks, err := p.deps.Store.ListTasksByStatus(ctx, types.TaskActive)
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}
	for _, task := range tasks {
		existing, err := p.deps.Store.ListThoughtsForTask(ctx, task.TaskID)
		if err != nil {
			logging.ProcessorWarn("failed to inspect task %s: %v", task.TaskID, err)
			continue
		}
		if len(existing) > 0 {
			continue
		}
		content := fmt.Sprintf("New task: %s. Decide the next action.", task.Description)
		if err := p.seedThought(ctx, task, content); err != nil {
			logging.ProcessorWarn("failed to seed task %s: %v", task.TaskID, err)
		}
	}
	return nil
}

// seedThought inserts a fresh round-0 STANDARD thought for a task.
func (p *Processor) seedThought(ctx context.Context, task *types.Task, content string) error {
	th := &types.Thought{
		ThoughtID:    uuid.NewString(),
		SourceTaskID: task.TaskID,
		Type:         types.ThoughtTypeStandard,
		Status:       types.ThoughtPending,
		Round:        0,
		Content:      content,
		Context: types.ThoughtContext{
			ChannelID:     task.Context.ChannelID,
			AuthorID:      task.Context.AuthorID,
			AuthorName:    task.Context.AuthorName,
			CorrelationID: task.Context.CorrelationID,
		},
	}
	if err := p.deps.Store.AddThought(ctx, th); err != nil {
		return fmt.Errorf("failed to seed thought: %w", err)
	}
	logging.ProcessorDebug("seeded thought %s for task %s", th.ThoughtID, task.TaskID)
	return nil
}

// =============================================================================
// SCHEDULED TASKS
// =============================================================================

// triggerScheduled fires every due scheduled task. A one-shot deferral that
// still has its origin task re-activates it; anything else becomes a fresh
// ACTIVE task. Recurring schedules get their next trigger recomputed.
func (p *Processor) triggerScheduled(ctx context.Context) {
	now := p.deps.Clock.Now()
	due, err := p.deps.Store.DueScheduledTasks(ctx, now, 0)
	if err != nil {
		logging.SchedulerDebug("due query failed: %v", err)
		return
	}

	for _, st := range due {
		taskID, reactivated := p.fireScheduled(ctx, st)
		if taskID != "" {
			p.auditEvent(ctx, types.AuditTaskCreated, taskID, map[string]any{
				"scheduled_task_id": st.ID,
				"reactivated":       reactivated,
				"recurring":         st.Recurring(),
			})
		}

		next := p.nextTrigger(st, now)
		if err := p.deps.Store.MarkScheduledTaskTriggered(ctx, st.ID, next); err != nil {
			logging.SchedulerDebug("failed to mark %s triggered: %v", st.ID, err)
		}
	}
}

// fireScheduled turns one due schedule into runnable work and returns the
// task it touched.
func (p *Processor) fireScheduled(ctx context.Context, st *types.ScheduledTask) (taskID string, reactivated bool) {
	prompt := st.TriggerPrompt
	if prompt == "" {
		prompt = st.GoalDescription
	}

	// Deferred-task reactivation: wake the original task instead of
	// spawning a duplicate.
	if st.OriginThoughtID != "" {
		if origin, err := p.deps.Store.GetThought(ctx, st.OriginThoughtID); err == nil {
			task, err := p.deps.Store.GetTask(ctx, origin.SourceTaskID)
			if err == nil && task.Status == types.TaskDeferred {
				if err := p.deps.Store.UpdateTaskStatus(ctx, task.TaskID, types.TaskActive); err != nil {
					logging.SchedulerDebug("failed to reactivate task %s: %v", task.TaskID, err)
					return "", false
				}
				task.Status = types.TaskActive
				if err := p.seedThought(ctx, task, prompt); err != nil {
					logging.SchedulerDebug("reactivation seed failed: %v", err)
				}
				logging.Scheduler("reactivated deferred task %s from schedule %s", task.TaskID, st.ID)
				return task.TaskID, true
			}
		}
	}

	task := &types.Task{
		TaskID:      uuid.NewString(),
		Description: st.GoalDescription,
		Status:      types.TaskActive,
	}
	if err := p.deps.Store.AddTask(ctx, task); err != nil {
		logging.SchedulerDebug("failed to create task for schedule %s: %v", st.ID, err)
		return "", false
	}
	if err := p.seedThought(ctx, task, prompt); err != nil {
		logging.SchedulerDebug("schedule seed failed: %v", err)
	}
	logging.Scheduler("schedule %s fired: task %s", st.ID, task.TaskID)
	return task.TaskID, false
}

// nextTrigger computes when a schedule fires again: nil retires a one-shot,
// and an unparseable cron expression retires the schedule rather than
// firing it every round.
func (p *Processor) nextTrigger(st *types.ScheduledTask, now time.Time) *time.Time {
	if !st.Recurring() {
		return nil
	}
	sched, err := cron.ParseStandard(st.ScheduleCron)
	if err != nil {
		logging.SchedulerDebug("bad cron %q on schedule %s: %v", st.ScheduleCron, st.ID, err)
		return nil
	}
	next := sched.Next(now)
	return &next
}

// workAvailable reports whether anything is waiting: pending thoughts,
// active tasks, or a due schedule.
func (p *Processor) workAvailable(ctx context.Context) bool {
	if n, err := p.deps.Store.CountThoughtsByStatus(ctx, types.ThoughtPending); err == nil && n > 0 {
		return true
	}
	if n, err := p.deps.Store.CountTasksByStatus(ctx, types.TaskActive); err == nil && n > 0 {
		return true
	}
	if due, err := p.deps.Store.DueScheduledTasks(ctx, p.deps.Clock.Now(), 0); err == nil && len(due) > 0 {
		return true
	}
	return false
}

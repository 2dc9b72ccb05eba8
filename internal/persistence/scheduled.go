package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// SCHEDULED TASKS
// =============================================================================

// UpsertScheduledTask inserts or replaces a scheduled task. Exactly one of
// DeferUntil and ScheduleCron must be set. For one-shot tasks the next
// trigger defaults to the deferral time; cron tasks must arrive with
// NextTriggerAt already computed.
func (s *Store) UpsertScheduledTask(ctx context.Context, st *types.ScheduledTask) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	hasDefer := st.DeferUntil != nil
	hasCron := st.ScheduleCron != ""
	if hasDefer == hasCron {
		return types.Validation("persistence.upsert_scheduled",
			"scheduled task %s must set exactly one of defer_until and schedule_cron", st.ID)
	}
	if hasDefer && st.NextTriggerAt == nil {
		st.NextTriggerAt = st.DeferUntil
	}
	if hasCron && st.NextTriggerAt == nil {
		return types.Validation("persistence.upsert_scheduled",
			"cron scheduled task %s requires a computed next_trigger_at", st.ID)
	}

	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.clock.Now()
	}
	st.UpdatedAt = s.clock.Now()
	if st.Status == "" {
		st.Status = types.ScheduledPending
	}

	logging.SchedulerDebug("upserting scheduled task %s next=%v cron=%q",
		st.ID, st.NextTriggerAt, st.ScheduleCron)

	return s.withRetry(ctx, "persistence.upsert_scheduled", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scheduled_tasks (id, goal_description, status, defer_until, schedule_cron,
			                              trigger_prompt, origin_thought_id, next_trigger_at,
			                              deferral_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   goal_description = excluded.goal_description,
			   status = excluded.status,
			   defer_until = excluded.defer_until,
			   schedule_cron = excluded.schedule_cron,
			   trigger_prompt = excluded.trigger_prompt,
			   origin_thought_id = excluded.origin_thought_id,
			   next_trigger_at = excluded.next_trigger_at,
			   deferral_count = excluded.deferral_count,
			   updated_at = excluded.updated_at`,
			st.ID, st.GoalDescription, string(st.Status), encodeTimePtr(st.DeferUntil),
			nullString(st.ScheduleCron), st.TriggerPrompt, nullString(st.OriginThoughtID),
			encodeTimePtr(st.NextTriggerAt), st.DeferralCount,
			encodeTime(st.CreatedAt), encodeTime(st.UpdatedAt),
		)
		return err
	})
}

// GetScheduledTask fetches one scheduled task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*types.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, scheduledSelect+" WHERE id = ?", id)
	st, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("persistence.get_scheduled", "scheduled task %s not found", id)
	}
	return st, err
}

// DueScheduledTasks returns non-terminal scheduled tasks whose next trigger
// falls at or before now+lookahead, soonest first.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time, lookahead time.Duration) ([]*types.ScheduledTask, error) {
	horizon := now.Add(lookahead)

	rows, err := s.db.QueryContext(ctx,
		scheduledSelect+` WHERE status IN (?, ?)
		   AND next_trigger_at IS NOT NULL AND next_trigger_at <= ?
		 ORDER BY next_trigger_at ASC`,
		string(types.ScheduledPending), string(types.ScheduledActive), encodeTime(horizon))
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var due []*types.ScheduledTask
	for rows.Next() {
		st, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, st)
	}
	return due, rows.Err()
}

// MarkScheduledTaskTriggered records a firing. One-shot tasks complete;
// recurring tasks get their next computed trigger and stay ACTIVE.
func (s *Store) MarkScheduledTaskTriggered(ctx context.Context, id string, next *time.Time) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	status := types.ScheduledComplete
	if next != nil {
		status = types.ScheduledActive
	}

	logging.SchedulerDebug("scheduled task %s triggered, status=%s next=%v", id, status, next)

	return s.withRetry(ctx, "persistence.mark_scheduled_triggered", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE scheduled_tasks SET status = ?, next_trigger_at = ?, updated_at = ? WHERE id = ?",
			string(status), encodeTimePtr(next), encodeTime(s.clock.Now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("persistence.mark_scheduled_triggered", "scheduled task %s not found", id)
		}
		return nil
	})
}

// IncrementDeferralCount bumps the deferral counter when a task is pushed
// out again instead of firing.
func (s *Store) IncrementDeferralCount(ctx context.Context, id string, newDeferUntil time.Time) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	return s.withRetry(ctx, "persistence.increment_deferral", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET deferral_count = deferral_count + 1, defer_until = ?, next_trigger_at = ?, updated_at = ?
			 WHERE id = ?`,
			encodeTime(newDeferUntil), encodeTime(newDeferUntil), encodeTime(s.clock.Now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("persistence.increment_deferral", "scheduled task %s not found", id)
		}
		return nil
	})
}

// ListScheduledTasks returns every scheduled task in a status, oldest first.
func (s *Store) ListScheduledTasks(ctx context.Context, status types.ScheduledTaskStatus) ([]*types.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		scheduledSelect+" WHERE status = ? ORDER BY created_at ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.ScheduledTask
	for rows.Next() {
		st, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const scheduledSelect = `SELECT id, goal_description, status, defer_until, schedule_cron,
        trigger_prompt, origin_thought_id, next_trigger_at,
        deferral_count, created_at, updated_at
 FROM scheduled_tasks`

func scanScheduled(row rowScanner) (*types.ScheduledTask, error) {
	var (
		st         types.ScheduledTask
		status     string
		deferUntil sql.NullString
		cron       sql.NullString
		origin     sql.NullString
		next       sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(&st.ID, &st.GoalDescription, &status, &deferUntil, &cron,
		&st.TriggerPrompt, &origin, &next, &st.DeferralCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	st.Status = types.ScheduledTaskStatus(status)
	st.ScheduleCron = cron.String
	st.OriginThoughtID = origin.String

	if st.DeferUntil, err = decodeTimePtr(deferUntil); err != nil {
		return nil, err
	}
	if st.NextTriggerAt, err = decodeTimePtr(next); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// TASKS
// =============================================================================

// AddTask inserts a new task. CreatedAt/UpdatedAt are stamped from the clock
// when unset.
func (s *Store) AddTask(ctx context.Context, task *types.Task) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.clock.Now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}

	ctxJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("failed to encode task context: %w", err)
	}
	outcomeJSON, err := encodeOutcome(task.Outcome)
	if err != nil {
		return err
	}

	logging.PersistenceDebug("adding task %s status=%s priority=%d", task.TaskID, task.Status, task.Priority)

	return s.withRetry(ctx, "persistence.add_task", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (task_id, description, status, priority, parent_task_id,
			                    context_json, outcome_json, signed_by, signature, signed_at,
			                    created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.TaskID, task.Description, string(task.Status), task.Priority,
			nullString(task.ParentTaskID), string(ctxJSON), outcomeJSON,
			nullString(task.SignedBy), nullString(task.Signature), encodeTimePtr(task.SignedAt),
			encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt),
		)
		return err
	})
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, description, status, priority, parent_task_id,
		        context_json, outcome_json, signed_by, signature, signed_at,
		        created_at, updated_at
		 FROM tasks WHERE task_id = ?`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("persistence.get_task", "task %s not found", taskID)
	}
	return task, err
}

// UpdateTaskStatus transitions a task, enforcing the legal transition table.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !current.Status.CanTransitionTo(status) {
		return types.Validation("persistence.update_task_status",
			"illegal task transition %s -> %s for %s", current.Status, status, taskID)
	}

	logging.PersistenceDebug("task %s: %s -> %s", taskID, current.Status, status)

	return s.withRetry(ctx, "persistence.update_task_status", func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?",
			string(status), encodeTime(s.clock.Now()), taskID)
		return err
	})
}

// SetTaskOutcome records the structured outcome of a finished task.
func (s *Store) SetTaskOutcome(ctx context.Context, taskID string, outcome *types.TaskOutcome) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	outcomeJSON, err := encodeOutcome(outcome)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "persistence.set_task_outcome", func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET outcome_json = ?, updated_at = ? WHERE task_id = ?",
			outcomeJSON, encodeTime(s.clock.Now()), taskID)
		return err
	})
}

// SetTaskSignature attaches an audit signature to a completed task.
func (s *Store) SetTaskSignature(ctx context.Context, taskID, signature, signedBy string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	now := s.clock.Now()
	return s.withRetry(ctx, "persistence.set_task_signature", func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET signature = ?, signed_by = ?, signed_at = ?, updated_at = ? WHERE task_id = ?",
			signature, signedBy, encodeTime(now), encodeTime(now), taskID)
		return err
	})
}

// ListTasksByStatus returns tasks in a given status, highest priority first,
// then oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, description, status, priority, parent_task_id,
		        context_json, outcome_json, signed_by, signature, signed_at,
		        created_at, updated_at
		 FROM tasks WHERE status = ?
		 ORDER BY priority DESC, created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus counts tasks in one lifecycle state.
func (s *Store) CountTasksByStatus(ctx context.Context, status types.TaskStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task        types.Task
		status      string
		parent      sql.NullString
		ctxJSON     string
		outcomeJSON sql.NullString
		signedBy    sql.NullString
		signature   sql.NullString
		signedAt    sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(&task.TaskID, &task.Description, &status, &task.Priority, &parent,
		&ctxJSON, &outcomeJSON, &signedBy, &signature, &signedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskStatus(status)
	task.ParentTaskID = parent.String
	task.SignedBy = signedBy.String
	task.Signature = signature.String

	if err := json.Unmarshal([]byte(ctxJSON), &task.Context); err != nil {
		return nil, fmt.Errorf("failed to decode task context: %w", err)
	}
	if outcomeJSON.Valid && outcomeJSON.String != "" {
		var outcome types.TaskOutcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &outcome); err != nil {
			return nil, fmt.Errorf("failed to decode task outcome: %w", err)
		}
		task.Outcome = &outcome
	}
	if task.SignedAt, err = decodeTimePtr(signedAt); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

func encodeOutcome(outcome *types.TaskOutcome) (sql.NullString, error) {
	if outcome == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode task outcome: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

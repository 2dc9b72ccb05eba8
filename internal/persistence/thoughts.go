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
// THOUGHTS
// =============================================================================

// AddThought inserts a new thought for a task.
func (s *Store) AddThought(ctx context.Context, thought *types.Thought) error {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	if thought.CreatedAt.IsZero() {
		thought.CreatedAt = s.clock.Now()
	}
	if thought.UpdatedAt.IsZero() {
		thought.UpdatedAt = thought.CreatedAt
	}
	if thought.Status == "" {
		thought.Status = types.ThoughtPending
	}
	if thought.Type == "" {
		thought.Type = types.ThoughtTypeStandard
	}

	ctxJSON, err := json.Marshal(thought.Context)
	if err != nil {
		return fmt.Errorf("failed to encode thought context: %w", err)
	}

	logging.PersistenceDebug("adding thought %s task=%s round=%d type=%s",
		thought.ThoughtID, thought.SourceTaskID, thought.Round, thought.Type)

	return s.withRetry(ctx, "persistence.add_thought", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO thoughts (thought_id, source_task_id, thought_type, status,
			                       round_number, content, context_json, ponder_count,
			                       parent_thought_id, final_action, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			thought.ThoughtID, thought.SourceTaskID, string(thought.Type), string(thought.Status),
			thought.Round, thought.Content, string(ctxJSON), thought.PonderCount,
			nullString(thought.ParentThoughtID), nullString(string(thought.FinalAction)),
			encodeTime(thought.CreatedAt), encodeTime(thought.UpdatedAt),
		)
		return err
	})
}

// GetThought fetches one thought by id.
func (s *Store) GetThought(ctx context.Context, thoughtID string) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, thoughtSelect+" WHERE thought_id = ?", thoughtID)
	thought, err := scanThought(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("persistence.get_thought", "thought %s not found", thoughtID)
	}
	return thought, err
}

// UpdateThoughtStatus transitions a thought's status.
func (s *Store) UpdateThoughtStatus(ctx context.Context, thoughtID string, status types.ThoughtStatus) error {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	return s.withRetry(ctx, "persistence.update_thought_status", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE thoughts SET status = ?, updated_at = ? WHERE thought_id = ?",
			string(status), encodeTime(s.clock.Now()), thoughtID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("persistence.update_thought_status", "thought %s not found", thoughtID)
		}
		return nil
	})
}

// SetThoughtFinalAction records the action the pipeline finally chose.
func (s *Store) SetThoughtFinalAction(ctx context.Context, thoughtID string, action types.ActionType) error {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	return s.withRetry(ctx, "persistence.set_thought_final_action", func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE thoughts SET final_action = ?, updated_at = ? WHERE thought_id = ?",
			string(action), encodeTime(s.clock.Now()), thoughtID)
		return err
	})
}

// IncrementPonderCount bumps a thought's ponder counter and returns the new
// value.
func (s *Store) IncrementPonderCount(ctx context.Context, thoughtID string) (int, error) {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	var count int
	err := s.withRetry(ctx, "persistence.increment_ponder", func() error {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE thoughts SET ponder_count = ponder_count + 1, updated_at = ? WHERE thought_id = ?",
			encodeTime(s.clock.Now()), thoughtID); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx,
			"SELECT ponder_count FROM thoughts WHERE thought_id = ?", thoughtID).Scan(&count)
	})
	return count, err
}

// ListPendingThoughts returns up to limit PENDING thoughts in FIFO order per
// task: tasks with older pending work drain first, and within a task the
// oldest round goes first.
func (s *Store) ListPendingThoughts(ctx context.Context, limit int) ([]*types.Thought, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		thoughtSelect+` WHERE status = ?
		 ORDER BY created_at ASC, round_number ASC
		 LIMIT ?`, string(types.ThoughtPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending thoughts: %w", err)
	}
	defer rows.Close()
	return collectThoughts(rows)
}

// GetChildThoughts returns the direct children of a thought, oldest first.
func (s *Store) GetChildThoughts(ctx context.Context, thoughtID string) ([]*types.Thought, error) {
	rows, err := s.db.QueryContext(ctx,
		thoughtSelect+" WHERE parent_thought_id = ? ORDER BY created_at ASC", thoughtID)
	if err != nil {
		return nil, fmt.Errorf("failed to get child thoughts: %w", err)
	}
	defer rows.Close()
	return collectThoughts(rows)
}

// ListThoughtsForTask returns every thought of a task, oldest first.
func (s *Store) ListThoughtsForTask(ctx context.Context, taskID string) ([]*types.Thought, error) {
	rows, err := s.db.QueryContext(ctx,
		thoughtSelect+" WHERE source_task_id = ? ORDER BY created_at ASC", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task thoughts: %w", err)
	}
	defer rows.Close()
	return collectThoughts(rows)
}

// CountActiveThoughts counts thoughts occupying the processing budget
// (PENDING + PROCESSING).
func (s *Store) CountActiveThoughts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM thoughts WHERE status IN (?, ?)",
		string(types.ThoughtPending), string(types.ThoughtProcessing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active thoughts: %w", err)
	}
	return count, nil
}

// CountThoughtsByStatus counts thoughts in one lifecycle state.
func (s *Store) CountThoughtsByStatus(ctx context.Context, status types.ThoughtStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM thoughts WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count thoughts: %w", err)
	}
	return count, nil
}

// FailProcessingThoughts marks every PROCESSING thought FAILED. Called on
// shutdown after the grace window so stragglers never resurrect as stale
// PROCESSING rows.
func (s *Store) FailProcessingThoughts(ctx context.Context) (int, error) {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	var n int64
	err := s.withRetry(ctx, "persistence.fail_processing", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE thoughts SET status = ?, updated_at = ? WHERE status = ?",
			string(types.ThoughtFailed), encodeTime(s.clock.Now()), string(types.ThoughtProcessing))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if n > 0 {
		logging.PersistenceWarn("marked %d in-flight thoughts FAILED at shutdown", n)
	}
	return int(n), err
}

// RecoverProcessingThoughts re-queues every PROCESSING thought as PENDING.
// Called at boot: a graceful shutdown sweeps its stragglers to FAILED, so
// any PROCESSING row found on startup was orphaned by a crash and its round
// never finished.
func (s *Store) RecoverProcessingThoughts(ctx context.Context) (int, error) {
	s.thoughtMu.Lock()
	defer s.thoughtMu.Unlock()

	var n int64
	err := s.withRetry(ctx, "persistence.recover_processing", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE thoughts SET status = ?, updated_at = ? WHERE status = ?",
			string(types.ThoughtPending), encodeTime(s.clock.Now()), string(types.ThoughtProcessing))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if n > 0 {
		logging.PersistenceWarn("recovered %d orphaned in-flight thoughts from a prior run", n)
	}
	return int(n), err
}

const thoughtSelect = `SELECT thought_id, source_task_id, thought_type, status,
        round_number, content, context_json, ponder_count,
        parent_thought_id, final_action, created_at, updated_at
 FROM thoughts`

func scanThought(row rowScanner) (*types.Thought, error) {
	var (
		thought     types.Thought
		ttype       string
		status      string
		ctxJSON     string
		parent      sql.NullString
		finalAction sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(&thought.ThoughtID, &thought.SourceTaskID, &ttype, &status,
		&thought.Round, &thought.Content, &ctxJSON, &thought.PonderCount,
		&parent, &finalAction, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	thought.Type = types.ThoughtType(ttype)
	thought.Status = types.ThoughtStatus(status)
	thought.ParentThoughtID = parent.String
	thought.FinalAction = types.ActionType(finalAction.String)

	if err := json.Unmarshal([]byte(ctxJSON), &thought.Context); err != nil {
		return nil, fmt.Errorf("failed to decode thought context: %w", err)
	}
	if thought.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if thought.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &thought, nil
}

func collectThoughts(rows *sql.Rows) ([]*types.Thought, error) {
	var thoughts []*types.Thought
	for rows.Next() {
		thought, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		thoughts = append(thoughts, thought)
	}
	return thoughts, rows.Err()
}

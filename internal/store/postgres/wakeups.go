package postgres

import (
	"context"
	"fmt"
	"time"

	"flowplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EnqueueWakeup publishes a wake-up pointer for a task. The message is
// intentionally minimal: the task id only, so the state store stays
// authoritative for task content.
func (s *Store) EnqueueWakeup(ctx context.Context, tx store.DBTransaction, taskID uuid.UUID, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO wakeups (task_id, visible_after)
		VALUES ($1, $2)
		RETURNING id
	`, taskID, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue wakeup for task %s: %w", taskID, err)
	}
	return id, nil
}

// DequeueWakeups claims up to 'limit' visible wake-ups atomically using
// SELECT ... FOR UPDATE SKIP LOCKED. Duplicate delivery is expected;
// only a successful Claim authorizes execution.
func (s *Store) DequeueWakeups(ctx context.Context, limit int, invisibility time.Duration) ([]store.Wakeup, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, task_id
		FROM wakeups
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("wakeup dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.Wakeup
	var ids []int64
	for rows.Next() {
		var w store.Wakeup
		if err := rows.Scan(&w.ID, &w.TaskID); err != nil {
			return nil, fmt.Errorf("wakeup dequeue scan failed: %w", err)
		}
		items = append(items, w)
		ids = append(ids, w.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wakeups SET visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = ANY($2)
	`, invisibility.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("wakeup visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// DeleteWakeup removes a consumed wake-up. Called once the claim
// outcome is known, whether or not this worker won the lease.
func (s *Store) DeleteWakeup(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM wakeups WHERE id = $1", id)
	return err
}

func (s *Store) CountWakeups(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM wakeups").Scan(&count)
	return count, err
}

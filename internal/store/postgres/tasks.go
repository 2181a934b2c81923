package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

const taskColumns = `id, job_id, org_id, dedupe_key, status, attempt, worker_id, lease_token,
	lease_expires_at, last_heartbeat, next_retry_at, error_message, payload, outputs,
	created_at, started_at, completed_at`

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*store.Task, error) {
	var t store.Task
	err := row.Scan(
		&t.ID, &t.JobID, &t.OrgID, &t.DedupeKey, &t.Status, &t.Attempt,
		&t.WorkerID, &t.LeaseToken, &t.LeaseExpiresAt, &t.LastHeartbeat,
		&t.NextRetryAt, &t.ErrorMessage, &t.Payload, &t.Outputs,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTask inserts a new queued task. When a dedupe key is supplied
// and a task with the same (job_id, dedupe_key) already exists, the
// insert is skipped and the existing task is returned.
func (s *Store) InsertTask(ctx context.Context, tx store.DBTransaction, task *store.Task) (*store.Task, bool, error) {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO tasks (id, job_id, org_id, dedupe_key, status, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (job_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id
	`

	var id uuid.UUID
	err := executor.QueryRowContext(ctx, query,
		task.ID, task.JobID, task.OrgID, task.DedupeKey,
		store.TaskStatusQueued, task.Payload, task.CreatedAt,
	).Scan(&id)

	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert task: %w", err)
	}

	// Insert skipped: a task with this dedupe key already exists.
	if task.DedupeKey == nil {
		return nil, false, fmt.Errorf("task insert returned no row without dedupe key")
	}

	existing, err := scanTask(executor.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE job_id = $1 AND dedupe_key = $2",
		task.JobID, *task.DedupeKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load deduped task: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetTaskByID(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimTask grants exclusive execution of a task via a single
// conditional update. It transitions queued -> running, or re-admits a
// failed task whose retry time has elapsed, incrementing the attempt.
// Every transition into running mints a fresh lease token; any caller
// still holding a previous token is fenced out.
func (s *Store) ClaimTask(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) (*store.Lease, *store.Task, error) {
	leaseToken := uuid.New()

	query := `
		UPDATE tasks t SET
			status = $2,
			attempt = CASE WHEN t.status = $3 THEN t.attempt + 1 ELSE t.attempt END,
			worker_id = $4,
			lease_token = $5,
			lease_expires_at = NOW() + ($6 * INTERVAL '1 second'),
			last_heartbeat = NOW(),
			started_at = COALESCE(t.started_at, NOW()),
			next_retry_at = NULL,
			error_message = NULL
		FROM jobs j
		WHERE t.id = $1 AND j.id = t.job_id AND (
			t.status = $7
			OR (t.status = $3 AND t.next_retry_at IS NOT NULL AND t.next_retry_at <= NOW() AND t.attempt < j.max_attempts)
		)
		RETURNING t.attempt, t.lease_expires_at, t.payload
	`

	var (
		attempt        int
		leaseExpiresAt time.Time
		payload        json.RawMessage
	)
	err := s.db.QueryRowContext(ctx, query,
		id, store.TaskStatusRunning, store.TaskStatusFailed,
		workerID, leaseToken, leaseDuration.Seconds(), store.TaskStatusQueued,
	).Scan(&attempt, &leaseExpiresAt, &payload)

	if err == nil {
		lease := &store.Lease{
			TaskID:         id,
			Attempt:        attempt,
			LeaseToken:     leaseToken,
			LeaseExpiresAt: leaseExpiresAt,
		}
		task, err := s.GetTaskByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return lease, task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("claim failed for task %s: %w", id, err)
	}

	return nil, nil, s.classifyClaimFailure(ctx, id)
}

// classifyClaimFailure turns a zero-row claim into the taxonomy error
// the caller acts on.
func (s *Store) classifyClaimFailure(ctx context.Context, id uuid.UUID) error {
	var status store.TaskStatus
	var attempt, maxAttempts int
	err := s.db.QueryRowContext(ctx, `
		SELECT t.status, t.attempt, j.max_attempts
		FROM tasks t JOIN jobs j ON j.id = t.job_id
		WHERE t.id = $1
	`, id).Scan(&status, &attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	switch status {
	case store.TaskStatusCanceled:
		return store.ErrTaskCanceled
	case store.TaskStatusFailed:
		if attempt >= maxAttempts {
			return store.ErrMaxAttempts
		}
		return store.ErrAlreadyClaimed
	default:
		// running (valid or not-yet-reaped lease), completed, or a
		// queued row racing another claim.
		return store.ErrAlreadyClaimed
	}
}

// ExtendLease is the heartbeat: it extends the lease if and only if the
// caller's (attempt, lease_token) match the stored values and the lease
// has not already expired.
func (s *Store) ExtendLease(ctx context.Context, id uuid.UUID, attempt int, leaseToken uuid.UUID, leaseDuration time.Duration) (time.Time, error) {
	query := `
		UPDATE tasks SET
			lease_expires_at = NOW() + ($4 * INTERVAL '1 second'),
			last_heartbeat = NOW()
		WHERE id = $1 AND status = $5 AND attempt = $2 AND lease_token = $3
			AND lease_expires_at > NOW()
		RETURNING lease_expires_at
	`

	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query,
		id, attempt, leaseToken, leaseDuration.Seconds(), store.TaskStatusRunning,
	).Scan(&expiresAt)
	if err == nil {
		return expiresAt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("heartbeat failed for task %s: %w", id, err)
	}

	return time.Time{}, s.classifyFencingFailure(ctx, id)
}

func (s *Store) classifyFencingFailure(ctx context.Context, id uuid.UUID) error {
	var status store.TaskStatus
	err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = $1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == store.TaskStatusCanceled {
		return store.ErrTaskCanceled
	}
	return store.ErrStaleAttempt
}

// CheckLease re-validates the fencing values inside an open transaction
// and locks the row so no concurrent transition can interleave with the
// commit that follows.
func (s *Store) CheckLease(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, leaseToken uuid.UUID) (*store.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.Status == store.TaskStatusCanceled {
		return nil, store.ErrTaskCanceled
	}
	if t.Status != store.TaskStatusRunning || t.Attempt != attempt ||
		t.LeaseToken == nil || *t.LeaseToken != leaseToken {
		return nil, store.ErrStaleAttempt
	}
	if t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.After(time.Now()) {
		return nil, store.ErrStaleAttempt
	}
	return t, nil
}

// MarkCompleted finalizes a successfully committed task. Must run in
// the same transaction as the dataset commit.
func (s *Store) MarkCompleted(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, outputs json.RawMessage) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = $3, outputs = $4, completed_at = NOW(),
			lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND attempt = $2 AND status = $5
	`, id, attempt, store.TaskStatusCompleted, outputs, store.TaskStatusRunning)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrStaleAttempt
	}
	return nil
}

// MarkFailed records a failed attempt. A nil nextRetryAt marks the task
// terminally failed; the last error message is retained for operators.
func (s *Store) MarkFailed(ctx context.Context, tx store.DBTransaction, id uuid.UUID, attempt int, errMsg string, nextRetryAt *time.Time) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx, `
		UPDATE tasks SET
			status = $3, error_message = $4, next_retry_at = $5,
			lease_token = NULL, lease_expires_at = NULL,
			completed_at = CASE WHEN $5::timestamptz IS NULL THEN NOW() ELSE completed_at END
		WHERE id = $1 AND attempt = $2 AND status = $6
	`, id, attempt, store.TaskStatusFailed, errMsg, nextRetryAt, store.TaskStatusRunning)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrStaleAttempt
	}
	return nil
}

// CancelTask requests cooperative cancellation. The worker observes it
// on its next fenced call and must stop without committing outputs.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, lease_token = NULL, lease_expires_at = NULL, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, store.TaskStatusCanceled,
		store.TaskStatusQueued, store.TaskStatusRunning, store.TaskStatusFailed)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ExpiredLeases returns running tasks whose lease has expired, for the
// reaper to fail. The final decision is re-checked inside ReapLease.
func (s *Store) ExpiredLeases(ctx context.Context, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND lease_expires_at < NOW()
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`, store.TaskStatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("expired lease scan failed: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ReapLease fails a running task only if its lease fields are unchanged
// since the scan and the lease is still expired. A heartbeat arriving
// between scan and write wins the race.
func (s *Store) ReapLease(ctx context.Context, tx store.DBTransaction, task *store.Task, nextRetryAt *time.Time, errMsg string) (bool, error) {
	if task.LeaseToken == nil {
		return false, nil
	}

	executor := s.getExecutor(tx)
	res, err := executor.ExecContext(ctx, `
		UPDATE tasks SET
			status = $4, error_message = $5, next_retry_at = $6,
			lease_token = NULL, lease_expires_at = NULL, worker_id = NULL,
			completed_at = CASE WHEN $6::timestamptz IS NULL THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = $7 AND attempt = $2 AND lease_token = $3
			AND lease_expires_at < NOW()
	`, task.ID, task.Attempt, *task.LeaseToken,
		store.TaskStatusFailed, errMsg, nextRetryAt, store.TaskStatusRunning)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CountQueued returns the number of outstanding queued tasks for a job,
// used for the router's backpressure bound.
func (s *Store) CountQueued(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int64, error) {
	executor := s.getExecutor(tx)

	var count int64
	err := executor.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE job_id = $1 AND status = $2",
		jobID, store.TaskStatusQueued,
	).Scan(&count)
	return count, err
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowplane/internal/store"

	"github.com/lib/pq"
)

// Outbox retry policy.
const (
	OutboxMaxAttempts = 8
	outboxBaseBackoff = 10 * time.Second
)

// outboxBackoff is the exponential reschedule delay for a failed
// publish: 10s * 2^attempt, capped at 30 minutes.
func outboxBackoff(attempt int) time.Duration {
	if attempt > 7 {
		attempt = 7
	}
	backoff := outboxBaseBackoff * time.Duration(1<<attempt)
	if backoff > 30*time.Minute {
		backoff = 30 * time.Minute
	}
	return backoff
}

// InsertOutbox records a pending side effect. It must be called inside
// the same transaction as the state change that necessitates it; that
// is what makes the side effect crash-safe.
func (s *Store) InsertOutbox(ctx context.Context, tx store.DBTransaction, kind store.OutboxKind, payload json.RawMessage) (int64, error) {
	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO outbox (kind, payload, status, available_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id
	`, kind, payload, store.OutboxStatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return id, nil
}

// ClaimOutboxBatch atomically claims up to 'limit' pending entries
// using SELECT ... FOR UPDATE SKIP LOCKED and marks them processing.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempts, available_at, last_error, created_at
		FROM outbox
		WHERE status = $1 AND available_at <= NOW()
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, store.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim query failed: %w", err)
	}
	defer rows.Close()

	var entries []store.OutboxEntry
	var ids []int64
	for rows.Next() {
		var e store.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.Status, &e.Attempts,
			&e.AvailableAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox claim scan failed: %w", err)
		}
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE outbox SET status = $1 WHERE id = ANY($2)",
		store.OutboxStatusProcessing, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("outbox status update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET status = $1 WHERE id = $2", store.OutboxStatusDone, id)
	return err
}

// RescheduleOutbox records a failed publish attempt. Within the retry
// bound the entry goes back to pending with backoff; past the bound it
// is left visibly failed for operator alerting rather than dropped.
func (s *Store) RescheduleOutbox(ctx context.Context, id int64, attempts int, maxAttempts int, lastError string) error {
	if attempts >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE outbox SET status = $1, attempts = $2, last_error = $3
			WHERE id = $4
		`, store.OutboxStatusFailed, attempts, lastError, id)
		return err
	}

	backoff := outboxBackoff(attempts)
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = $1, attempts = $2, last_error = $3,
			available_at = NOW() + ($4 * INTERVAL '1 second')
		WHERE id = $5
	`, store.OutboxStatusPending, attempts, lastError, backoff.Seconds(), id)
	return err
}

func (s *Store) ListFailedOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempts, available_at, last_error, created_at
		FROM outbox
		WHERE status = $1
		ORDER BY id ASC
		LIMIT $2
	`, store.OutboxStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.OutboxEntry
	for rows.Next() {
		var e store.OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.Status, &e.Attempts,
			&e.AvailableAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RetryOutbox moves a failed entry back to pending with a reset
// attempt counter. Operator-initiated repair.
func (s *Store) RetryOutbox(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = $1, attempts = 0, available_at = NOW(), last_error = NULL
		WHERE id = $2 AND status = $3
	`, store.OutboxStatusPending, id, store.OutboxStatusFailed)
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

func (s *Store) CountPendingOutbox(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox WHERE status = $1", store.OutboxStatusPending,
	).Scan(&count)
	return count, err
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateDataset(ctx context.Context, tx store.DBTransaction, ds *store.Dataset) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		"INSERT INTO datasets (id, org_id, name, created_at) VALUES ($1, $2, $3, $4)",
		ds.ID, ds.OrgID, ds.Name, ds.CreatedAt)
	return err
}

func (s *Store) GetDatasetByID(ctx context.Context, id uuid.UUID) (*store.Dataset, error) {
	var ds store.Dataset
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, current_version_id, created_at FROM datasets WHERE id = $1", id,
	).Scan(&ds.ID, &ds.OrgID, &ds.Name, &ds.CurrentVersionID, &ds.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *Store) GetVersionByID(ctx context.Context, id uuid.UUID) (*store.DatasetVersion, error) {
	var v store.DatasetVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, config_hash, range_key, storage_location, task_id, attempt, created_at
		FROM dataset_versions WHERE id = $1
	`, id).Scan(&v.ID, &v.DatasetID, &v.ConfigHash, &v.RangeKey,
		&v.StorageLocation, &v.TaskID, &v.Attempt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVersions(ctx context.Context, datasetID uuid.UUID, limit int) ([]store.DatasetVersion, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, config_hash, range_key, storage_location, task_id, attempt, created_at
		FROM dataset_versions
		WHERE dataset_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, datasetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []store.DatasetVersion
	for rows.Next() {
		var v store.DatasetVersion
		if err := rows.Scan(&v.ID, &v.DatasetID, &v.ConfigHash, &v.RangeKey,
			&v.StorageLocation, &v.TaskID, &v.Attempt, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CommitOutputs applies a task's staged outputs inside the caller's
// transaction. Nothing staged becomes visible unless the whole
// transaction, including the task's terminal transition, commits.
//
// Versions are keyed by (dataset, config_hash, range_key): a retry of
// the same logical unit of work reuses the committed version instead of
// creating a duplicate, and a version already advanced by a newer
// attempt rejects the commit with ErrCommitConflict.
func (s *Store) CommitOutputs(ctx context.Context, tx store.DBTransaction, task *store.Task, job *store.Job, outputs []store.StagedOutput) ([]store.CommittedVersion, error) {
	var committed []store.CommittedVersion

	for _, out := range outputs {
		versionID, err := s.ensureVersion(ctx, tx, task, &out)
		if err != nil {
			return nil, err
		}

		if job.UpdateStrategy == store.UpdateAppend {
			for _, rec := range out.Records {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO dataset_records (dataset_id, dedupe_key, payload, task_id, created_at)
					VALUES ($1, $2, $3, $4, NOW())
					ON CONFLICT (dataset_id, dedupe_key) DO NOTHING
				`, out.DatasetID, rec.DedupeKey, rec.Payload, task.ID)
				if err != nil {
					return nil, fmt.Errorf("append upsert failed: %w", err)
				}
			}
		}

		// Atomic current-version pointer swap. For append jobs the
		// version row represents the producer generation and the swap
		// is an idempotent self-assignment after the first commit.
		_, err = tx.ExecContext(ctx,
			"UPDATE datasets SET current_version_id = $2 WHERE id = $1",
			out.DatasetID, versionID)
		if err != nil {
			return nil, fmt.Errorf("version pointer swap failed: %w", err)
		}

		committed = append(committed, store.CommittedVersion{
			DatasetID: out.DatasetID,
			VersionID: versionID,
			Cursor:    out.Cursor,
		})
	}

	return committed, nil
}

// ensureVersion inserts the version row for a staged output, or reuses
// the row a previous attempt of the same unit already committed.
func (s *Store) ensureVersion(ctx context.Context, tx store.DBTransaction, task *store.Task, out *store.StagedOutput) (uuid.UUID, error) {
	newID := uuid.New()

	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO dataset_versions (id, dataset_id, config_hash, range_key, storage_location, task_id, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (dataset_id, config_hash, COALESCE(range_key, '')) DO NOTHING
		RETURNING id
	`, newID, out.DatasetID, out.ConfigHash, out.RangeKey,
		out.StorageLocation, task.ID, task.Attempt,
	).Scan(&id)

	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("version insert failed: %w", err)
	}

	// A version for this unit of work exists already.
	var existingID uuid.UUID
	var existingAttempt int
	err = tx.QueryRowContext(ctx, `
		SELECT id, attempt FROM dataset_versions
		WHERE dataset_id = $1 AND config_hash = $2 AND COALESCE(range_key, '') = COALESCE($3, '')
	`, out.DatasetID, out.ConfigHash, out.RangeKey,
	).Scan(&existingID, &existingAttempt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("version lookup failed: %w", err)
	}

	if existingAttempt > task.Attempt {
		// The scope was advanced by a newer attempt; a stale attempt
		// must never overwrite it.
		return uuid.Nil, store.ErrCommitConflict
	}

	// Redelivery of an already-committed unit (crash between commit and
	// the completion ack): reuse the committed version.
	return existingID, nil
}

// RecordEvent stores an accepted upstream event for audit. Events for
// superseded version generations are retained but reported as
// non-current so the router does not re-trigger downstream work.
func (s *Store) RecordEvent(ctx context.Context, tx store.DBTransaction, ev *store.DatasetEvent) (bool, error) {
	executor := s.getExecutor(tx)

	var currentVersionID *uuid.UUID
	err := executor.QueryRowContext(ctx,
		"SELECT current_version_id FROM datasets WHERE id = $1", ev.DatasetID,
	).Scan(&currentVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	current := currentVersionID != nil && *currentVersionID == ev.VersionID
	ev.Routed = current

	_, err = executor.ExecContext(ctx, `
		INSERT INTO dataset_events (dataset_id, version_id, cursor_key, routed, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, ev.DatasetID, ev.VersionID, ev.Cursor, ev.Routed)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	return current, nil
}

// PurgeVersion deletes a superseded dataset version. Administrative
// action only; the current version is never purged.
func (s *Store) PurgeVersion(ctx context.Context, versionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dataset_versions v
		WHERE v.id = $1
			AND NOT EXISTS (SELECT 1 FROM datasets d WHERE d.current_version_id = v.id)
	`, versionID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("version %s is current or unknown: %w", versionID, store.ErrNotFound)
	}
	return nil
}
